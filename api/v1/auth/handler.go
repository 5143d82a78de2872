package auth

import (
	"errors"
	"time"

	"agent_dispatch/api/v1/middleware"
	"agent_dispatch/internal/auth"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler serves operator login and identity endpoints
type Handler struct {
	db     *gorm.DB
	tokens *auth.Manager
	logger *logrus.Entry
}

// NewHandler creates the operator auth handler
func NewHandler(db *gorm.DB, tokens *auth.Manager, logger *logrus.Entry) *Handler {
	return &Handler{db: db, tokens: tokens, logger: logger.WithField("component", "operator-auth")}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Operator is the public view of a user account
type Operator struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Session is the login response body
type Session struct {
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expires_at"`
	Operator  Operator `json:"user"`
}

// Login exchanges username and password for a bearer token.
// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing("username and password are required"))
		return
	}

	user, err := h.lookup(c, req.Username)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to load user", err))
		return
	}
	// unknown user and wrong password look the same to the caller
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		h.logger.WithFields(logrus.Fields{"username": req.Username, "client_ip": c.ClientIP()}).Warn("login rejected")
		httpx.FailErr(c, httpx.ErrInvalidToken("invalid credentials"))
		return
	}
	if user.Status != model.UserStatusActive {
		httpx.FailErr(c, httpx.ErrForbidden("user is inactive"))
		return
	}

	p := auth.Principal{UID: user.ID, Username: user.Username, Role: user.Role}
	token, expiresAt, err := h.tokens.Issue(p)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to issue token", err))
		return
	}

	httpx.OK(c, Session{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		Operator:  operatorFrom(p),
	})
}

// Me returns the operator bound to the bearer token.
// GET /api/v1/me
func (h *Handler) Me(c *gin.Context) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthorized("missing principal"))
		return
	}
	httpx.OK(c, operatorFrom(p))
}

func (h *Handler) lookup(c *gin.Context, username string) (*model.User, error) {
	var user model.User
	err := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func operatorFrom(p auth.Principal) Operator {
	return Operator{ID: p.UID, Username: p.Username, Role: p.Role}
}
