package middleware

import (
	"context"
	"errors"
	"strings"

	"agent_dispatch/api/v1/apierr"
	"agent_dispatch/internal/auth"
	"agent_dispatch/internal/httpx"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys
const (
	ContextPrincipal = "principal"
	ContextAgent     = "agent_identity"
)

// bearerToken extracts the token of a "Bearer <token>" header
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthRequired is a middleware that validates the user JWT
func AuthRequired(tokens *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httpx.AbortErr(c, httpx.ErrUnauthorized("missing authorization header"))
			return
		}

		tokenString, ok := bearerToken(authHeader)
		if !ok {
			httpx.AbortErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
			return
		}

		claims, err := tokens.Parse(tokenString)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				httpx.AbortErr(c, httpx.ErrTokenExpired("token expired"))
			} else {
				httpx.AbortErr(c, httpx.ErrInvalidToken("invalid token"))
			}
			return
		}

		p := claims.Principal()
		c.Set(ContextPrincipal, p)
		c.Set("uid", p.UID)
		c.Set("username", p.Username)
		c.Set("role", p.Role)

		c.Next()
	}
}

// PrincipalFrom returns the user set by AuthRequired
func PrincipalFrom(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(ContextPrincipal)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}

// Allow runs an authorization check for the current user and writes the
// error response when it fails
func Allow(c *gin.Context, deploymentHash string, check func(ctx context.Context, p auth.Principal, deploymentHash string) error) bool {
	p, ok := PrincipalFrom(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthorized("missing user identity"))
		return false
	}
	if err := check(c.Request.Context(), p, deploymentHash); err != nil {
		httpx.FailErr(c, apierr.From(err))
		return false
	}
	return true
}
