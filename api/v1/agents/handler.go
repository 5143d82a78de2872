package agents

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"agent_dispatch/api/v1/apierr"
	"agent_dispatch/api/v1/middleware"
	"agent_dispatch/internal/audit"
	"agent_dispatch/internal/authz"
	"agent_dispatch/internal/dispatch"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/model"
	"agent_dispatch/internal/queue"
	"agent_dispatch/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// snapshotCommands is how many recent commands a snapshot carries
const snapshotCommands = 20

// Handler handles agent-related requests
type Handler struct {
	registry   *registry.Registry
	queue      *queue.Store
	waiter     *dispatch.Waiter
	auditor    *audit.Writer
	authorizer authz.Authorizer
	logger     *logrus.Entry
}

// NewHandler creates a new agents handler
func NewHandler(reg *registry.Registry, q *queue.Store, w *dispatch.Waiter, auditor *audit.Writer, authorizer authz.Authorizer, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		registry:   reg,
		queue:      q,
		waiter:     w,
		auditor:    auditor,
		authorizer: authorizer,
		logger:     logger.WithField("component", "agents"),
	}
}

// RegisterRequest represents the agent registration body
type RegisterRequest struct {
	DeploymentHash string          `json:"deployment_hash" binding:"required"`
	AgentVersion   string          `json:"agent_version" binding:"required"`
	Capabilities   []string        `json:"capabilities"`
	SystemInfo     json.RawMessage `json:"system_info"`
	PublicKey      string          `json:"public_key"`
	BaseURL        string          `json:"base_url"`
}

// Register issues a new agent identity and token
// POST /api/v1/agent/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	ctx := c.Request.Context()
	reg, err := h.registry.Register(ctx, registry.RegisterRequest{
		DeploymentHash: req.DeploymentHash,
		AgentVersion:   req.AgentVersion,
		Capabilities:   req.Capabilities,
		SystemInfo:     req.SystemInfo,
		PublicKey:      req.PublicKey,
		BaseURL:        req.BaseURL,
	})

	entry := audit.Entry{
		DeploymentHash: req.DeploymentHash,
		Action:         audit.ActionRegister,
		Success:        err == nil,
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		Details:        map[string]interface{}{"agent_version": req.AgentVersion},
	}
	if err != nil {
		entry.Details["error"] = err.Error()
		h.auditor.Record(ctx, entry)
		httpx.FailErr(c, apierr.From(err))
		return
	}
	entry.AgentID = reg.AgentID
	h.auditor.Record(ctx, entry)

	httpx.Created(c, reg)
}

// WaitResponse is the long-poll payload
type WaitResponse struct {
	Commands     []model.Command `json:"commands"`
	NextPollSecs int             `json:"next_poll_secs"`
}

// Wait blocks until commands are ready for the deployment or the timeout elapses
// GET /api/v1/agent/wait/:deployment_hash?timeout=30&interval=3
func (h *Handler) Wait(c *gin.Context) {
	id := middleware.AgentFrom(c)
	deploymentHash := c.Param("deployment_hash")
	if id == nil || id.Agent.DeploymentHash != deploymentHash {
		httpx.FailErr(c, httpx.ErrForbidden("agent is not registered for this deployment"))
		return
	}

	timeout, err := secondsParam(c, "timeout")
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("timeout must be a whole number of seconds"))
		return
	}
	interval, err := secondsParam(c, "interval")
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("interval must be a whole number of seconds"))
		return
	}
	_, interval = h.waiter.Limits().Normalize(timeout, interval)

	ctx := c.Request.Context()
	cmds, err := h.waiter.Wait(ctx, deploymentHash, timeout, interval)
	if err != nil {
		if ctx.Err() != nil {
			// agent went away; nothing to answer
			h.logger.WithField("deployment_hash", deploymentHash).Debug("wait abandoned by client")
			return
		}
		httpx.FailErr(c, apierr.From(err))
		return
	}

	if len(cmds) > 0 {
		ids := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			ids = append(ids, cmd.CommandID)
		}
		h.auditor.Record(ctx, audit.Entry{
			AgentID:        id.Agent.AgentID,
			DeploymentHash: deploymentHash,
			Action:         audit.ActionWait,
			Success:        true,
			IPAddress:      c.ClientIP(),
			Details:        map[string]interface{}{"command_ids": ids},
		})
	}

	httpx.OK(c, WaitResponse{
		Commands:     cmds,
		NextPollSecs: int(interval / time.Second),
	})
}

func secondsParam(c *gin.Context, name string) (time.Duration, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid seconds")
	}
	return time.Duration(n) * time.Second, nil
}

// ReportError is one structured error an agent attaches to a failed command
type ReportError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReportRequest represents a command result
type ReportRequest struct {
	CommandID      string          `json:"command_id" binding:"required"`
	DeploymentHash string          `json:"deployment_hash" binding:"required"`
	Status         string          `json:"status" binding:"required"`
	Result         json.RawMessage `json:"result"`
	Error          *string         `json:"error"`
	Errors         []ReportError   `json:"errors"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at" binding:"required"`
}

// mergedError folds the structured errors into the single error text
func (r *ReportRequest) mergedError() *string {
	var parts []string
	if r.Error != nil && strings.TrimSpace(*r.Error) != "" {
		parts = append(parts, *r.Error)
	}
	for _, e := range r.Errors {
		switch {
		case e.Code != "" && e.Message != "":
			parts = append(parts, e.Code+": "+e.Message)
		case e.Message != "":
			parts = append(parts, e.Message)
		case e.Code != "":
			parts = append(parts, e.Code)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	merged := strings.Join(parts, "; ")
	return &merged
}

// ReportResponse tells the agent whether its report changed anything
type ReportResponse struct {
	Command model.Command `json:"command"`
	Applied bool          `json:"applied"`
}

// Report records the terminal result of a dispatched command. Repeats are accepted.
// POST /api/v1/agent/report
func (h *Handler) Report(c *gin.Context) {
	id := middleware.AgentFrom(c)
	if id == nil {
		httpx.FailErr(c, httpx.ErrUnauthorized("missing agent identity"))
		return
	}

	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	ctx := c.Request.Context()
	entry := audit.Entry{
		AgentID:        id.Agent.AgentID,
		DeploymentHash: req.DeploymentHash,
		Action:         audit.ActionReport,
		IPAddress:      c.ClientIP(),
		Details:        map[string]interface{}{"command_id": req.CommandID, "status": req.Status},
	}

	if req.DeploymentHash != id.Agent.DeploymentHash {
		entry.Action = audit.ActionReportConflict
		h.auditor.Record(ctx, entry)
		httpx.FailErr(c, httpx.ErrStateConflict("command is not owned by this agent's deployment"))
		return
	}

	outcome, err := h.queue.Report(ctx, queue.ReportRequest{
		CommandID:      req.CommandID,
		DeploymentHash: req.DeploymentHash,
		Status:         req.Status,
		Result:         req.Result,
		Error:          req.mergedError(),
		StartedAt:      req.StartedAt,
		CompletedAt:    *req.CompletedAt,
	})
	if err != nil {
		if errors.Is(err, queue.ErrConflict) {
			entry.Action = audit.ActionReportConflict
			entry.Details["error"] = err.Error()
			h.auditor.Record(ctx, entry)
		}
		httpx.FailErr(c, apierr.From(err))
		return
	}

	if outcome.Applied {
		entry.Success = true
		h.auditor.Record(ctx, entry)
	}
	httpx.OK(c, ReportResponse{Command: outcome.Command, Applied: outcome.Applied})
}

// SnapshotResponse is the agent record plus its most recent commands
type SnapshotResponse struct {
	Agent    *model.Agent    `json:"agent"`
	Commands []model.Command `json:"commands"`
}

// Snapshot returns the deployment's agent and recent commands
// GET /api/v1/deployments/:deployment_hash/snapshot
func (h *Handler) Snapshot(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanRead) {
		return
	}

	ctx := c.Request.Context()
	agent, err := h.registry.Get(ctx, deploymentHash)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	cmds, err := h.queue.List(ctx, deploymentHash, queue.ListFilter{Limit: snapshotCommands, IncludeResults: true})
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}
	if agent == nil && len(cmds) == 0 {
		httpx.FailErr(c, httpx.ErrNotFound("deployment not found"))
		return
	}

	httpx.OK(c, SnapshotResponse{Agent: agent, Commands: cmds})
}

// Revoke deactivates the deployment's agent
// POST /api/v1/deployments/:deployment_hash/agent/revoke
func (h *Handler) Revoke(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanManageAgent) {
		return
	}

	ctx := c.Request.Context()
	agent, err := h.registry.Revoke(ctx, deploymentHash)
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	h.auditor.Record(ctx, audit.Entry{
		AgentID:        agent.AgentID,
		DeploymentHash: deploymentHash,
		Action:         audit.ActionRevoke,
		Success:        true,
		IPAddress:      c.ClientIP(),
		Details:        map[string]interface{}{"by": principalName(c)},
	})
	httpx.OK(c, agent)
}

// Reinstate lets a revoked deployment register a new agent
// POST /api/v1/deployments/:deployment_hash/agent/reinstate
func (h *Handler) Reinstate(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanManageAgent) {
		return
	}

	ctx := c.Request.Context()
	agent, err := h.registry.Reinstate(ctx, deploymentHash)
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	h.auditor.Record(ctx, audit.Entry{
		AgentID:        agent.AgentID,
		DeploymentHash: deploymentHash,
		Action:         audit.ActionReinstate,
		Success:        true,
		IPAddress:      c.ClientIP(),
		Details:        map[string]interface{}{"by": principalName(c)},
	})
	httpx.OK(c, gin.H{"deployment_hash": deploymentHash, "reinstated": true})
}

// RotateTokenRequest optionally carries the new token
type RotateTokenRequest struct {
	Token string `json:"token"`
}

// RotateToken replaces the agent token; the old one stays valid for the grace window
// POST /api/v1/deployments/:deployment_hash/agent/rotate-token
func (h *Handler) RotateToken(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanManageAgent) {
		return
	}

	var req RotateTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
			return
		}
	}

	ctx := c.Request.Context()
	token, err := h.registry.RotateToken(ctx, deploymentHash, req.Token)
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	h.auditor.Record(ctx, audit.Entry{
		DeploymentHash: deploymentHash,
		Action:         audit.ActionTokenRotated,
		Success:        true,
		IPAddress:      c.ClientIP(),
		Details:        map[string]interface{}{"by": principalName(c)},
	})
	httpx.OK(c, gin.H{"agent_token": token})
}

func principalName(c *gin.Context) string {
	p, _ := middleware.PrincipalFrom(c)
	return p.Username
}
