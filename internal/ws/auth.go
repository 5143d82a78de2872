package ws

import (
	"net/http"
	"strings"

	"agent_dispatch/internal/auth"

	"github.com/sirupsen/logrus"
)

// WrapWithAuth rejects Socket.IO handshakes that do not carry a valid user token
func WrapWithAuth(next http.Handler, tokens *auth.Manager, logger *logrus.Entry) http.Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "ws")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Socket.IO handshake is a GET request to /socket.io/?EIO=4&transport=polling
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/socket.io/") {
			token := extractToken(r)
			if token == "" {
				logger.WithField("remote", r.RemoteAddr).Warn("handshake rejected: no token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, err := tokens.Parse(token); err != nil {
				logger.WithField("remote", r.RemoteAddr).WithError(err).Warn("handshake rejected: invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken extracts JWT token from request
// Priority: 1. token query parameter, 2. Authorization header
func extractToken(r *http.Request) string {
	return tokenFrom(r.URL.Query().Get("token"), r.Header.Get("Authorization"))
}

func tokenFrom(query, authHeader string) string {
	if query != "" {
		return query
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
