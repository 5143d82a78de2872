package middleware

import (
	"errors"

	"agent_dispatch/internal/audit"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Agent request and rotation headers
const (
	HeaderAgentID      = "X-Agent-Id"
	HeaderTokenRotated = "X-Agent-Token-Rotated"
	HeaderNewToken     = "X-Agent-Token"
)

// AgentAuthRequired authenticates an agent by X-Agent-Id and bearer token.
// A request made with the pre-rotation token inside the grace window passes
// and carries the new token back in response headers.
func AgentAuthRequired(reg *registry.Registry, auditor *audit.Writer, logger *logrus.Entry) gin.HandlerFunc {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "agent_auth")

	return func(c *gin.Context) {
		agentID := c.GetHeader(HeaderAgentID)
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if agentID == "" || !ok {
			httpx.AbortErr(c, httpx.ErrUnauthorized("missing agent credentials"))
			return
		}

		ctx := c.Request.Context()
		id, err := reg.Authenticate(ctx, agentID, token)
		if err != nil {
			if errors.Is(err, registry.ErrAuthentication) {
				auditor.Record(ctx, audit.Entry{
					AgentID:        agentID,
					DeploymentHash: c.Param("deployment_hash"),
					Action:         audit.ActionAuthFailed,
					IPAddress:      c.ClientIP(),
					UserAgent:      c.Request.UserAgent(),
				})
				httpx.AbortErr(c, httpx.ErrInvalidToken("invalid agent credentials"))
				return
			}
			httpx.AbortErr(c, httpx.ErrStoreUnavailable("", err))
			return
		}

		if id.UsedPreviousToken {
			c.Header(HeaderTokenRotated, "true")
			c.Header(HeaderNewToken, id.CurrentToken)
			logger.WithField("agent_id", agentID).Info("agent used pre-rotation token")
		}

		if err := reg.Touch(ctx, agentID); err != nil {
			logger.WithField("agent_id", agentID).WithError(err).Warn("failed to record heartbeat")
		}

		c.Set(ContextAgent, id)
		c.Next()
	}
}

// AgentFrom returns the identity set by AgentAuthRequired
func AgentFrom(c *gin.Context) *registry.Identity {
	v, ok := c.Get(ContextAgent)
	if !ok {
		return nil
	}
	id, _ := v.(*registry.Identity)
	return id
}
