package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/notify"

	"gorm.io/gorm"
)

// ListFilter narrows a listing
type ListFilter struct {
	Limit          int
	Since          *time.Time // updated strictly after
	Status         string
	IncludeResults bool
}

// ClampLimit applies the listing default and maximum
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// List returns the deployment's commands, newest first, after reaping expired leases
func (s *Store) List(ctx context.Context, deploymentHash string, f ListFilter) ([]model.Command, error) {
	if _, err := s.ReapExpired(ctx, deploymentHash); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("deployment_hash = ?", deploymentHash)
	if f.Since != nil {
		q = q.Where("updated_at > ?", f.Since.UTC())
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var cmds []model.Command
	if err := q.Order("created_at DESC").Order("id DESC").Limit(ClampLimit(f.Limit)).Find(&cmds).Error; err != nil {
		return nil, storeErr("list", err)
	}

	if !f.IncludeResults {
		for i := range cmds {
			cmds[i].Result = nil
			cmds[i].Error = nil
		}
	}
	return cmds, nil
}

// Get returns one command of the deployment
func (s *Store) Get(ctx context.Context, deploymentHash, commandID string) (*model.Command, error) {
	if _, err := s.ReapExpired(ctx, deploymentHash); err != nil {
		return nil, err
	}

	var cmd model.Command
	err := s.db.WithContext(ctx).
		Where("command_id = ? AND deployment_hash = ?", commandID, deploymentHash).
		First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, commandID)
		}
		return nil, storeErr("get", err)
	}
	return &cmd, nil
}

// Cancel withdraws a command that no agent has claimed yet.
// Cancelling an already cancelled command succeeds.
func (s *Store) Cancel(ctx context.Context, deploymentHash, commandID string) (*model.Command, error) {
	now := s.clock()

	var current model.Command
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Command{}).
			Where("command_id = ? AND deployment_hash = ? AND status = ?", commandID, deploymentHash, model.CommandStatusPending).
			Updates(map[string]interface{}{
				"status":       model.CommandStatusCancelled,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1

		if err := tx.Where("command_id = ? AND deployment_hash = ?", commandID, deploymentHash).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, commandID)
			}
			return err
		}
		if !applied && current.Status != model.CommandStatusCancelled {
			return fmt.Errorf("%w: command %s is %s and can no longer be cancelled", ErrConflict, commandID, current.Status)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("cancel", err)
	}

	if applied {
		s.logger.WithField("command_id", commandID).Info("command cancelled")
		s.publish(ctx, notify.EventCancelled, current)
	}
	return &current, nil
}
