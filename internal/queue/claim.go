package queue

import (
	"context"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/notify"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ClaimReady marks up to max pending commands of the deployment as dispatched
// and returns them in priority-then-FIFO order. A command is only returned by
// the call whose conditional update flipped it out of pending.
func (s *Store) ClaimReady(ctx context.Context, deploymentHash string, max int) ([]model.Command, error) {
	if max < 1 {
		max = 1
	}
	now := s.clock()
	claimID := uuid.NewString()

	var claimed, expired []model.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if expired, err = s.reap(tx, deploymentHash, now); err != nil {
			return err
		}

		var candidates []model.Command
		if err := tx.Where("deployment_hash = ? AND status = ?", deploymentHash, model.CommandStatusPending).
			Order("priority_rank DESC").
			Order("created_at ASC").
			Order("id ASC").
			Limit(max).
			Find(&candidates).Error; err != nil {
			return err
		}

		for _, cmd := range candidates {
			lease := now.Add(s.leaseFor(&cmd))
			res := tx.Model(&model.Command{}).
				Where("id = ? AND status = ?", cmd.ID, model.CommandStatusPending).
				Updates(map[string]interface{}{
					"status":           model.CommandStatusDispatched,
					"claim_id":         claimID,
					"dispatched_at":    now,
					"lease_expires_at": lease,
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				// 已被其他调度实例抢占
				continue
			}

			dispatchedAt := now
			cmd.Status = model.CommandStatusDispatched
			cmd.ClaimID = claimID
			cmd.DispatchedAt = &dispatchedAt
			cmd.LeaseExpiresAt = &lease
			cmd.UpdatedAt = now
			claimed = append(claimed, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("claim", err)
	}

	s.publish(ctx, notify.EventExpired, expired...)
	if len(claimed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"deployment_hash": deploymentHash,
			"claim_id":        claimID,
			"count":           len(claimed),
		}).Info("commands dispatched")
		s.publish(ctx, notify.EventDispatched, claimed...)
	}
	return claimed, nil
}

// ReapExpired moves dispatched commands whose lease has passed to expired and
// returns how many it moved. An empty deploymentHash reaps every deployment.
func (s *Store) ReapExpired(ctx context.Context, deploymentHash string) (int, error) {
	now := s.clock()

	var expired []model.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		expired, err = s.reap(tx, deploymentHash, now)
		return err
	})
	if err != nil {
		return 0, storeErr("reap", err)
	}

	s.publish(ctx, notify.EventExpired, expired...)
	return len(expired), nil
}

func (s *Store) reap(tx *gorm.DB, deploymentHash string, now time.Time) ([]model.Command, error) {
	q := tx.Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?", model.CommandStatusDispatched, now)
	if deploymentHash != "" {
		q = q.Where("deployment_hash = ?", deploymentHash)
	}

	var candidates []model.Command
	if err := q.Find(&candidates).Error; err != nil {
		return nil, err
	}

	var expired []model.Command
	for _, cmd := range candidates {
		res := tx.Model(&model.Command{}).
			Where("id = ? AND status = ?", cmd.ID, model.CommandStatusDispatched).
			Updates(map[string]interface{}{
				"status":       model.CommandStatusExpired,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected != 1 {
			continue
		}

		completedAt := now
		cmd.Status = model.CommandStatusExpired
		cmd.CompletedAt = &completedAt
		cmd.UpdatedAt = now
		expired = append(expired, cmd)

		s.logger.WithFields(logrus.Fields{
			"deployment_hash": cmd.DeploymentHash,
			"command_id":      cmd.CommandID,
		}).Warn("command lease expired without report")
	}
	return expired, nil
}
