// Package registry owns agent identities and the pointers to their bearer
// tokens in the secret store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/secrets"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SupportedAPIVersions lists the agent protocol versions served
var SupportedAPIVersions = []string{"1.0"}

// Secret document keys at the token path
const (
	keyToken         = "token"
	keyPreviousToken = "previous_token"
	keyRotatedAt     = "rotated_at"
	keyAgentID       = "agent_id"
)

// Options configures a Registry
type Options struct {
	Paths            secrets.Paths
	TokenGrace       time.Duration
	DashboardVersion string
	Logger           *logrus.Entry
	Now              func() time.Time
}

// Registry is the gorm + secret store backed agent registry
type Registry struct {
	db               *gorm.DB
	secrets          secrets.Store
	paths            secrets.Paths
	grace            time.Duration
	dashboardVersion string
	logger           *logrus.Entry
	now              func() time.Time
	locks            *deploymentLocks
}

// New creates a Registry
func New(db *gorm.DB, store secrets.Store, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DashboardVersion == "" {
		opts.DashboardVersion = "2.0.0"
	}
	return &Registry{
		db:               db,
		secrets:          store,
		paths:            opts.Paths,
		grace:            opts.TokenGrace,
		dashboardVersion: opts.DashboardVersion,
		logger:           opts.Logger.WithField("component", "registry"),
		now:              opts.Now,
		locks:            newDeploymentLocks(),
	}
}

func (r *Registry) clock() time.Time {
	return r.now().UTC()
}

// Get returns the agent registered for a deployment
func (r *Registry) Get(ctx context.Context, deploymentHash string) (*model.Agent, error) {
	var agent model.Agent
	err := r.db.WithContext(ctx).Where("deployment_hash = ?", deploymentHash).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: deployment %s", ErrNotFound, deploymentHash)
		}
		return nil, storeErr("get agent", err)
	}
	return &agent, nil
}

// RequireActive fails unless the deployment has an active agent. Producers
// call it before enqueueing so work is not queued for a revoked agent.
func (r *Registry) RequireActive(ctx context.Context, deploymentHash string) error {
	agent, err := r.Get(ctx, deploymentHash)
	if err != nil {
		return err
	}
	if !agent.IsActive() {
		return fmt.Errorf("%w: deployment %s", ErrRevoked, deploymentHash)
	}
	return nil
}

// Touch records a heartbeat
func (r *Registry) Touch(ctx context.Context, agentID string) error {
	now := r.clock()
	err := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{"last_seen_at": now, "updated_at": now}).Error
	if err != nil {
		return storeErr("touch", err)
	}
	return nil
}

// Revoke deactivates the deployment's agent and deletes its token
func (r *Registry) Revoke(ctx context.Context, deploymentHash string) (*model.Agent, error) {
	unlock := r.locks.lock(deploymentHash)
	defer unlock()

	agent, err := r.Get(ctx, deploymentHash)
	if err != nil {
		return nil, err
	}

	now := r.clock()
	if err := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ?", agent.ID).
		Updates(map[string]interface{}{
			"status":     model.AgentStatusRevoked,
			"revoked_at": now,
			"updated_at": now,
		}).Error; err != nil {
		return nil, storeErr("revoke", err)
	}
	agent.Status = model.AgentStatusRevoked
	agent.RevokedAt = &now

	path, err := r.paths.AgentToken(deploymentHash)
	if err != nil {
		return nil, secretErr("token path", err)
	}
	if err := r.secrets.Delete(ctx, path); err != nil {
		// the record is already revoked, so the stale token cannot authenticate
		r.logger.WithField("deployment_hash", deploymentHash).WithError(err).Error("failed to delete revoked agent token")
		return agent, storeErr("delete token", err)
	}

	r.logger.WithFields(logrus.Fields{
		"deployment_hash": deploymentHash,
		"agent_id":        agent.AgentID,
	}).Info("agent revoked")
	return agent, nil
}

// Reinstate clears a revoked deployment so that an agent can register for it
// again. The revoked record is removed; the deployment's command history stays.
func (r *Registry) Reinstate(ctx context.Context, deploymentHash string) (*model.Agent, error) {
	path, err := r.paths.AgentToken(deploymentHash)
	if err != nil {
		return nil, secretErr("token path", err)
	}

	unlock := r.locks.lock(deploymentHash)
	defer unlock()

	var agent *model.Agent
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := lockAgent(tx, deploymentHash)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%w: deployment %s", ErrNotFound, deploymentHash)
		}
		if a.IsActive() {
			return fmt.Errorf("%w: deployment %s is not revoked", ErrConflict, deploymentHash)
		}
		if err := tx.Delete(&model.Agent{}, a.ID).Error; err != nil {
			return storeErr("delete revoked agent", err)
		}
		agent = a
		return nil
	})
	if err != nil {
		return nil, txErr("reinstate", err)
	}

	// Revoke may have failed to remove the token after revoking the record
	if err := r.secrets.Delete(ctx, path); err != nil {
		r.logger.WithField("deployment_hash", deploymentHash).WithError(err).Warn("failed to delete stale agent token")
	}

	r.logger.WithFields(logrus.Fields{
		"deployment_hash": deploymentHash,
		"agent_id":        agent.AgentID,
	}).Info("deployment reinstated")
	return agent, nil
}

// Credentials returns the agent id and current token used to sign outbound calls
func (r *Registry) Credentials(ctx context.Context, deploymentHash string) (*model.Agent, string, error) {
	agent, err := r.Get(ctx, deploymentHash)
	if err != nil {
		return nil, "", err
	}
	if !agent.IsActive() {
		return nil, "", fmt.Errorf("%w: deployment %s", ErrRevoked, deploymentHash)
	}

	doc, err := r.readToken(ctx, deploymentHash)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return nil, "", fmt.Errorf("%w: no token for deployment %s", ErrNotFound, deploymentHash)
		}
		return nil, "", secretErr("read token", err)
	}
	token, _ := doc[keyToken].(string)
	return agent, token, nil
}

func (r *Registry) readToken(ctx context.Context, deploymentHash string) (map[string]interface{}, error) {
	path, err := r.paths.AgentToken(deploymentHash)
	if err != nil {
		return nil, err
	}
	return r.secrets.Get(ctx, path)
}
