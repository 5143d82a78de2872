package commands

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"agent_dispatch/api/v1/apierr"
	"agent_dispatch/api/v1/middleware"
	"agent_dispatch/internal/authz"
	"agent_dispatch/internal/dispatch"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/model"
	"agent_dispatch/internal/queue"
	"agent_dispatch/internal/registry"

	"github.com/gin-gonic/gin"
)

// Handler handles producer-facing command requests
type Handler struct {
	queue      *queue.Store
	registry   *registry.Registry
	waiter     *dispatch.Waiter
	authorizer authz.Authorizer
}

// NewHandler creates a new commands handler
func NewHandler(q *queue.Store, reg *registry.Registry, w *dispatch.Waiter, authorizer authz.Authorizer) *Handler {
	return &Handler{queue: q, registry: reg, waiter: w, authorizer: authorizer}
}

// EnqueueRequest represents a new command
type EnqueueRequest struct {
	DeploymentHash string          `json:"deployment_hash" binding:"required"`
	CommandType    string          `json:"command_type" binding:"required"`
	Priority       string          `json:"priority"`
	Parameters     json.RawMessage `json:"parameters"`
	TimeoutSeconds *int            `json:"timeout_seconds" binding:"omitempty,min=1"`
}

// Enqueue queues a command for the deployment's agent
// POST /api/v1/commands
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	if !middleware.Allow(c, req.DeploymentHash, h.authorizer.CanEnqueue) {
		return
	}

	ctx := c.Request.Context()
	if err := h.registry.RequireActive(ctx, req.DeploymentHash); err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	p, _ := middleware.PrincipalFrom(c)
	cmd, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
		DeploymentHash: req.DeploymentHash,
		CommandType:    req.CommandType,
		Priority:       req.Priority,
		Parameters:     req.Parameters,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedBy:      p.Username,
	})
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	httpx.Created(c, cmd)
}

// List returns the deployment's commands, newest first
// GET /api/v1/commands/:deployment_hash?limit=50&include_results=true&since=RFC3339&status=&wait_ms=
func (h *Handler) List(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanRead) {
		return
	}

	filter := queue.ListFilter{Status: c.Query("status")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("limit must be a number"))
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("include_results"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("include_results must be a boolean"))
			return
		}
		filter.IncludeResults = b
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("since must be an RFC3339 timestamp"))
			return
		}
		filter.Since = &since
	}
	if filter.Status != "" {
		if _, ok := validStatuses[filter.Status]; !ok {
			httpx.FailErr(c, httpx.ErrParamInvalid("unknown status "+filter.Status))
			return
		}
	}

	var wait time.Duration
	if raw := c.Query("wait_ms"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.FailErr(c, httpx.ErrParamInvalid("wait_ms must be a non-negative number"))
			return
		}
		wait = time.Duration(n) * time.Millisecond
	}

	ctx := c.Request.Context()
	cmds, err := h.waiter.WaitList(ctx, deploymentHash, wait, func(ctx context.Context) ([]model.Command, error) {
		return h.queue.List(ctx, deploymentHash, filter)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		httpx.FailErr(c, apierr.From(err))
		return
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	httpx.OKItems(c, cmds, len(cmds))
}

var validStatuses = map[string]struct{}{
	model.CommandStatusPending:    {},
	model.CommandStatusDispatched: {},
	model.CommandStatusCompleted:  {},
	model.CommandStatusFailed:     {},
	model.CommandStatusExpired:    {},
	model.CommandStatusCancelled:  {},
}

// Get returns one command
// GET /api/v1/commands/:deployment_hash/:command_id
func (h *Handler) Get(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanRead) {
		return
	}

	cmd, err := h.queue.Get(c.Request.Context(), deploymentHash, c.Param("command_id"))
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}
	httpx.OK(c, cmd)
}

// Cancel withdraws a pending command
// POST /api/v1/commands/:deployment_hash/:command_id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanEnqueue) {
		return
	}

	cmd, err := h.queue.Cancel(c.Request.Context(), deploymentHash, c.Param("command_id"))
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}
	httpx.OK(c, cmd)
}
