package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/notify"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// EnqueueRequest is a producer's new command
type EnqueueRequest struct {
	DeploymentHash string
	CommandType    string
	Priority       string
	Parameters     json.RawMessage
	TimeoutSeconds *int
	CreatedBy      string
}

// ParsePriority normalizes a priority name; empty means normal
func ParsePriority(p string) (string, int, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		p = model.PriorityNormal
	}
	rank, ok := model.PriorityRank(p)
	if !ok {
		return "", 0, fmt.Errorf("%w: %q (want low, normal, high or critical)", ErrInvalidPriority, p)
	}
	return p, rank, nil
}

func normalizeDocument(raw json.RawMessage, fallback string) (datatypes.JSON, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if fallback == "" {
			return nil, nil
		}
		return datatypes.JSON(fallback), nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: document is not valid JSON", ErrInvalidRequest)
	}
	return datatypes.JSON(append([]byte(nil), trimmed...)), nil
}

// Enqueue persists a new pending command. Identical payloads are not deduplicated.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Command, error) {
	if strings.TrimSpace(req.DeploymentHash) == "" {
		return nil, fmt.Errorf("%w: deployment_hash is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.CommandType) == "" {
		return nil, fmt.Errorf("%w: command_type is required", ErrInvalidRequest)
	}

	priority, rank, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	timeout := int(s.defaultTimeout.Seconds())
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidRequest)
		}
		timeout = *req.TimeoutSeconds
	}

	params, err := normalizeDocument(req.Parameters, "{}")
	if err != nil {
		return nil, err
	}

	now := s.clock()
	cmd := model.Command{
		CommandID:      "cmd_" + uuid.NewString(),
		DeploymentHash: req.DeploymentHash,
		CommandType:    req.CommandType,
		Priority:       priority,
		PriorityRank:   rank,
		Parameters:     params,
		TimeoutSeconds: &timeout,
		Status:         model.CommandStatusPending,
		CreatedBy:      req.CreatedBy,
	}
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(&cmd).Error; err != nil {
		return nil, storeErr("enqueue", err)
	}

	s.logger.WithFields(logrus.Fields{
		"deployment_hash": cmd.DeploymentHash,
		"command_id":      cmd.CommandID,
		"type":            cmd.CommandType,
		"priority":        cmd.Priority,
	}).Info("command enqueued")

	s.publish(ctx, notify.EventEnqueued, cmd)
	return &cmd, nil
}
