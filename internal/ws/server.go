// Package ws pushes command status changes to dashboard clients over Socket.IO.
package ws

import (
	"context"
	"net/http"

	"agent_dispatch/internal/auth"
	"agent_dispatch/internal/authz"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"
)

// Server wraps the Socket.IO server
type Server struct {
	io         *socketio.Server
	tokens     *auth.Manager
	authorizer authz.Authorizer
	logger     *logrus.Entry
}

// NewServer creates the Socket.IO server and registers its handlers
func NewServer(tokens *auth.Manager, authorizer authz.Authorizer, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	allowAll := func(r *http.Request) bool { return true }

	s := &Server{
		io: socketio.NewServer(&engineio.Options{
			Transports: []transport.Transport{
				&polling.Transport{CheckOrigin: allowAll},
				&websocket.Transport{CheckOrigin: allowAll},
			},
		}),
		tokens:     tokens,
		authorizer: authorizer,
		logger:     logger.WithField("component", "ws"),
	}

	s.io.OnConnect("/", s.onConnect)
	s.io.OnDisconnect("/", func(c socketio.Conn, reason string) {
		s.logger.WithFields(logrus.Fields{"conn": c.ID(), "reason": reason}).Debug("client disconnected")
	})
	s.io.OnError("/", func(c socketio.Conn, e error) {
		if c == nil {
			s.logger.WithError(e).Warn("socket error")
			return
		}
		s.logger.WithField("conn", c.ID()).WithError(e).Warn("socket error")
	})
	s.io.OnEvent("/", "subscribe", s.onSubscribe)
	s.io.OnEvent("/", "unsubscribe", func(c socketio.Conn, deploymentHash string) {
		c.Leave(RoomFor(deploymentHash))
	})
	return s
}

func (s *Server) onConnect(c socketio.Conn) error {
	u := c.URL()
	claims, err := s.tokens.Parse(tokenFrom(u.Query().Get("token"), c.RemoteHeader().Get("Authorization")))
	if err != nil {
		s.logger.WithField("conn", c.ID()).WithError(err).Warn("connection without valid token")
		return err
	}
	c.SetContext(claims.Principal())
	c.Emit("connected", map[string]interface{}{"ok": true})
	return nil
}

func (s *Server) onSubscribe(c socketio.Conn, deploymentHash string) {
	p, ok := c.Context().(auth.Principal)
	if !ok {
		c.Emit("error", map[string]interface{}{"message": "unauthenticated"})
		return
	}
	if err := s.authorizer.CanRead(context.Background(), p, deploymentHash); err != nil {
		c.Emit("error", map[string]interface{}{"message": err.Error()})
		return
	}
	c.Join(RoomFor(deploymentHash))
	c.Emit("subscribed", map[string]interface{}{"deployment_hash": deploymentHash})
}

// Feed returns a notify sink that broadcasts into this server's rooms
func (s *Server) Feed() *Feed {
	return NewFeed(s.io, s.logger)
}

// Handler returns the authenticated HTTP handler
func (s *Server) Handler() http.Handler {
	return WrapWithAuth(s.io, s.tokens, s.logger)
}

// Start serves the Socket.IO event loop in the background
func (s *Server) Start() {
	go func() {
		if err := s.io.Serve(); err != nil {
			s.logger.WithError(err).Error("socket.io server stopped")
		}
	}()
}

// Close stops the server
func (s *Server) Close() error {
	return s.io.Close()
}
