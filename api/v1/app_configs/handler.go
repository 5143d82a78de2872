package app_configs

import (
	"errors"

	"agent_dispatch/api/v1/apierr"
	"agent_dispatch/api/v1/middleware"
	"agent_dispatch/internal/agentclient"
	"agent_dispatch/internal/audit"
	"agent_dispatch/internal/authz"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/registry"
	"agent_dispatch/internal/secrets"

	"github.com/gin-gonic/gin"
)

// Handler stores application configuration blobs and pushes them to agents
type Handler struct {
	store      secrets.Store
	paths      secrets.Paths
	registry   *registry.Registry
	client     *agentclient.Client
	auditor    *audit.Writer
	authorizer authz.Authorizer
}

// NewHandler creates a new app config handler
func NewHandler(store secrets.Store, paths secrets.Paths, reg *registry.Registry, client *agentclient.Client, auditor *audit.Writer, authorizer authz.Authorizer) *Handler {
	return &Handler{
		store:      store,
		paths:      paths,
		registry:   reg,
		client:     client,
		auditor:    auditor,
		authorizer: authorizer,
	}
}

func (h *Handler) path(c *gin.Context) (string, bool) {
	p, err := h.paths.AppConfig(c.Param("deployment_hash"), c.Param("app_name"))
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return "", false
	}
	return p, true
}

// Put stores the config
// PUT /api/v1/deployments/:deployment_hash/apps/:app_name/config
func (h *Handler) Put(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanManageAgent) {
		return
	}
	path, ok := h.path(c)
	if !ok {
		return
	}

	var cfg secrets.AppConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	if err := cfg.Normalize(); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	if err := h.store.Put(c.Request.Context(), path, cfg.ToMap()); err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}
	httpx.OK(c, cfg)
}

// Get reads the config
// GET /api/v1/deployments/:deployment_hash/apps/:app_name/config
func (h *Handler) Get(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanManageAgent) {
		return
	}
	path, ok := h.path(c)
	if !ok {
		return
	}

	doc, err := h.store.Get(c.Request.Context(), path)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("app config not found"))
			return
		}
		httpx.FailErr(c, apierr.From(err))
		return
	}
	httpx.OK(c, secrets.AppConfigFromMap(doc))
}

// Push sends the stored config to the agent's endpoint
// POST /api/v1/deployments/:deployment_hash/apps/:app_name/config/push
func (h *Handler) Push(c *gin.Context) {
	deploymentHash := c.Param("deployment_hash")
	appName := c.Param("app_name")
	if !middleware.Allow(c, deploymentHash, h.authorizer.CanManageAgent) {
		return
	}
	path, ok := h.path(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	doc, err := h.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("app config not found"))
			return
		}
		httpx.FailErr(c, apierr.From(err))
		return
	}
	cfg := secrets.AppConfigFromMap(doc)

	agent, token, err := h.registry.Credentials(ctx, deploymentHash)
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	resp, err := h.client.ApplyConfig(ctx, agentclient.Target{
		BaseURL: agent.BaseURL,
		AgentID: agent.AgentID,
		Token:   token,
	}, agentclient.ApplyConfigRequest{
		DeploymentHash:  deploymentHash,
		AppName:         appName,
		Content:         cfg.Content,
		ContentType:     cfg.ContentType,
		DestinationPath: cfg.DestinationPath,
		FileMode:        cfg.FileMode,
		Owner:           cfg.Owner,
		Group:           cfg.Group,
	})

	h.auditor.Record(ctx, audit.Entry{
		AgentID:        agent.AgentID,
		DeploymentHash: deploymentHash,
		Action:         audit.ActionConfigPushed,
		Success:        err == nil,
		IPAddress:      c.ClientIP(),
		Details:        map[string]interface{}{"app_name": appName, "destination_path": cfg.DestinationPath},
	})
	if err != nil {
		httpx.FailErr(c, apierr.From(err))
		return
	}

	httpx.OK(c, gin.H{
		"app_name":     appName,
		"agent_status": resp.StatusCode,
		"agent_reply":  resp.Body,
	})
}
