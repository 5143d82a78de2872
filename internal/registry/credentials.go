package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/secrets"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Identity is an authenticated agent. When the request used the token that
// was current before the last rotation, UsedPreviousToken is set and
// CurrentToken carries the replacement the agent must switch to.
type Identity struct {
	Agent             model.Agent
	UsedPreviousToken bool
	CurrentToken      string
}

// Authenticate resolves the agent's token from the secret store and compares
// it in constant time. Every failure is ErrAuthentication except backend
// outages, which are ErrStore.
func (r *Registry) Authenticate(ctx context.Context, agentID, token string) (*Identity, error) {
	if agentID == "" || token == "" {
		return nil, ErrAuthentication
	}
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, ErrAuthentication
	}

	var agent model.Agent
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthentication
		}
		return nil, storeErr("lookup agent", err)
	}
	if !agent.IsActive() {
		return nil, ErrAuthentication
	}

	doc, err := r.readToken(ctx, agent.DeploymentHash)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) || errors.Is(err, secrets.ErrInvalidPath) {
			return nil, ErrAuthentication
		}
		return nil, storeErr("read token", err)
	}

	current, _ := doc[keyToken].(string)
	if tokensEqual(current, token) {
		return &Identity{Agent: agent}, nil
	}

	previous, _ := doc[keyPreviousToken].(string)
	if previous != "" && r.withinGrace(doc) && tokensEqual(previous, token) {
		return &Identity{Agent: agent, UsedPreviousToken: true, CurrentToken: current}, nil
	}
	return nil, ErrAuthentication
}

func tokensEqual(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func (r *Registry) withinGrace(doc map[string]interface{}) bool {
	if r.grace <= 0 {
		return false
	}
	raw, _ := doc[keyRotatedAt].(string)
	rotatedAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return r.clock().Before(rotatedAt.Add(r.grace))
}

// RotateToken replaces the deployment's token. An empty newToken generates one.
// The agent does not need to be connected; it learns the new token from the
// rotation headers on its next call made with the old one.
//
// Rotations of one deployment are serialized within the process, so each
// rotation sees the token written by the one before it as previous. Two
// dashboard instances rotating the same deployment at once are not
// coordinated: the later write wins and the earlier caller's token never
// becomes valid.
func (r *Registry) RotateToken(ctx context.Context, deploymentHash, newToken string) (string, error) {
	unlock := r.locks.lock(deploymentHash)
	defer unlock()

	agent, err := r.Get(ctx, deploymentHash)
	if err != nil {
		return "", err
	}
	if !agent.IsActive() {
		return "", fmt.Errorf("%w: deployment %s", ErrRevoked, deploymentHash)
	}

	if newToken == "" {
		if newToken, err = GenerateToken(); err != nil {
			return "", err
		}
	} else if len(newToken) < 32 {
		return "", fmt.Errorf("%w: token must be at least 32 characters", ErrInvalidRequest)
	}

	path, err := r.paths.AgentToken(deploymentHash)
	if err != nil {
		return "", secretErr("token path", err)
	}

	previous := ""
	doc, err := r.secrets.Get(ctx, path)
	switch {
	case err == nil:
		previous, _ = doc[keyToken].(string)
	case errors.Is(err, secrets.ErrSecretNotFound):
	default:
		return "", secretErr("read token", err)
	}

	now := r.clock()
	if err := r.secrets.Put(ctx, path, map[string]interface{}{
		keyToken:         newToken,
		keyPreviousToken: previous,
		keyRotatedAt:     now.Format(time.RFC3339Nano),
		keyAgentID:       agent.AgentID,
	}); err != nil {
		return "", secretErr("store token", err)
	}

	entry := r.logger.WithFields(logrus.Fields{
		"deployment_hash": deploymentHash,
		"agent_id":        agent.AgentID,
	})
	if err := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ?", agent.ID).
		Updates(map[string]interface{}{"token_rotated_at": now, "updated_at": now}).Error; err != nil {
		entry.WithError(err).Warn("token rotated but rotation time not recorded")
	}
	entry.Info("agent token rotated")
	return newToken, nil
}
