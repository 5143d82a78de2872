package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/secrets"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterRequest is what an agent sends on first contact
type RegisterRequest struct {
	DeploymentHash string
	AgentVersion   string
	Capabilities   []string
	SystemInfo     json.RawMessage
	PublicKey      string
	BaseURL        string
}

// Registration is returned to the agent exactly once; the token is not retrievable later
type Registration struct {
	AgentID              string   `json:"agent_id"`
	AgentToken           string   `json:"agent_token"`
	DashboardVersion     string   `json:"dashboard_version"`
	SupportedAPIVersions []string `json:"supported_api_versions"`
}

// Register issues a new identity and token for the deployment. The token is
// written to the secret store before the agent record is saved; if the record
// write fails the secret write is undone before returning.
//
// Registrations for one deployment are serialized: in process by a lock, and
// across processes by the agent row lock (or the unique insert for a new
// deployment) held from before the secret write until commit.
//
// Re-registering an active deployment replaces its agent: the old agent id and
// token stop working. A revoked deployment stays revoked until Reinstate.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	if strings.TrimSpace(req.AgentVersion) == "" {
		return nil, fmt.Errorf("%w: agent_version is required", ErrInvalidRequest)
	}
	path, err := r.paths.AgentToken(req.DeploymentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	capabilities := req.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: capabilities: %v", ErrInvalidRequest, err)
	}
	systemInfo := datatypes.JSON("{}")
	if raw := bytes.TrimSpace(req.SystemInfo); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: system_info is not valid JSON", ErrInvalidRequest)
		}
		systemInfo = datatypes.JSON(raw)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	agentID := uuid.NewString()
	now := r.clock()
	agent := model.Agent{
		AgentID:        agentID,
		DeploymentHash: req.DeploymentHash,
		Capabilities:   datatypes.JSON(capsJSON),
		SystemInfo:     systemInfo,
		AgentVersion:   req.AgentVersion,
		PublicKey:      req.PublicKey,
		BaseURL:        req.BaseURL,
		Status:         model.AgentStatusActive,
		RegisteredAt:   now,
	}

	unlock := r.locks.lock(req.DeploymentHash)
	defer unlock()

	var (
		replaced    bool
		wroteSecret bool
		previous    map[string]interface{}
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockAgent(tx, req.DeploymentHash)
		if err != nil {
			return err
		}
		if existing != nil && !existing.IsActive() {
			return fmt.Errorf("%w: deployment %s must be reinstated before it can register again", ErrRevoked, req.DeploymentHash)
		}
		replaced = existing != nil
		if !replaced {
			// 先占住 deployment_hash，并发注册在这里失败，不会碰到密钥
			if err := tx.Create(&agent).Error; err != nil {
				return storeErr("save agent", err)
			}
		}

		previous, err = r.secrets.Get(ctx, path)
		if err != nil {
			if !errors.Is(err, secrets.ErrSecretNotFound) {
				return secretErr("read previous token", err)
			}
			previous = nil
		}

		// step 1: secret store
		if err := r.secrets.Put(ctx, path, map[string]interface{}{
			keyToken:   token,
			keyAgentID: agentID,
		}); err != nil {
			return secretErr("store token", err)
		}
		wroteSecret = true

		// step 2: durable record
		if replaced {
			if err := tx.Model(&model.Agent{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"agent_id":         agent.AgentID,
					"capabilities":     agent.Capabilities,
					"system_info":      agent.SystemInfo,
					"agent_version":    agent.AgentVersion,
					"public_key":       agent.PublicKey,
					"base_url":         agent.BaseURL,
					"registered_at":    now,
					"last_seen_at":     nil,
					"token_rotated_at": nil,
					"updated_at":       now,
				}).Error; err != nil {
				return storeErr("save agent", err)
			}
		}
		return nil
	})
	if err != nil {
		if wroteSecret {
			r.compensate(ctx, path, previous, agentID, req.DeploymentHash)
		}
		return nil, txErr("register", err)
	}

	r.logger.WithFields(logrus.Fields{
		"deployment_hash": req.DeploymentHash,
		"agent_id":        agentID,
		"agent_version":   req.AgentVersion,
		"replaced":        replaced,
	}).Info("agent registered")

	return &Registration{
		AgentID:              agentID,
		AgentToken:           token,
		DashboardVersion:     r.dashboardVersion,
		SupportedAPIVersions: append([]string(nil), SupportedAPIVersions...),
	}, nil
}

// compensate undoes the token write of a failed registration. The secret is
// only touched while it still holds the document written by agentID.
func (r *Registry) compensate(ctx context.Context, path string, previous map[string]interface{}, agentID, deploymentHash string) {
	ctx = context.WithoutCancel(ctx)
	entry := r.logger.WithFields(logrus.Fields{"deployment_hash": deploymentHash, "agent_id": agentID})

	current, err := r.secrets.Get(ctx, path)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return
		}
		entry.WithError(err).Error("registration compensation failed; token secret may be orphaned")
		return
	}
	if owner, _ := current[keyAgentID].(string); owner != agentID {
		entry.WithField("owner", owner).Warn("token secret belongs to another registration; left in place")
		return
	}

	if previous != nil {
		err = r.secrets.Put(ctx, path, previous)
	} else {
		err = r.secrets.Delete(ctx, path)
	}
	if err != nil {
		entry.WithError(err).Error("registration compensation failed; token secret may be orphaned")
		return
	}
	entry.Warn("registration rolled back")
}

// lockAgent loads the deployment's agent row under a row lock. A nil agent
// means the deployment has never registered.
func lockAgent(tx *gorm.DB, deploymentHash string) (*model.Agent, error) {
	var agent model.Agent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("deployment_hash = ?", deploymentHash).
		First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("lock agent", err)
	}
	return &agent, nil
}
