package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/notify"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReportRequest is an agent's terminal result for a dispatched command
type ReportRequest struct {
	CommandID      string
	DeploymentHash string
	Status         string
	Result         json.RawMessage
	Error          *string
	StartedAt      *time.Time
	CompletedAt    time.Time
}

// ReportOutcome tells whether the report changed state or was a repeat
type ReportOutcome struct {
	Command model.Command
	Applied bool
}

// Report moves a dispatched command to completed or failed. Repeating the same
// report is a no-op; a different terminal outcome is ErrConflict.
func (s *Store) Report(ctx context.Context, req ReportRequest) (*ReportOutcome, error) {
	if req.CommandID == "" || req.DeploymentHash == "" {
		return nil, fmt.Errorf("%w: command_id and deployment_hash are required", ErrInvalidRequest)
	}
	if req.Status != model.CommandStatusCompleted && req.Status != model.CommandStatusFailed {
		return nil, fmt.Errorf("%w: %q (want completed or failed)", ErrInvalidStatus, req.Status)
	}
	result, err := normalizeDocument(req.Result, "")
	if err != nil {
		return nil, err
	}
	errText := req.Error
	if errText != nil && strings.TrimSpace(*errText) == "" {
		errText = nil
	}

	// expire first so a late report cannot resurrect an abandoned command
	if _, err := s.ReapExpired(ctx, req.DeploymentHash); err != nil {
		return nil, err
	}

	now := s.clock()
	completedAt := req.CompletedAt.UTC()
	if req.CompletedAt.IsZero() {
		completedAt = now
	}

	updates := map[string]interface{}{
		"status":       req.Status,
		"result":       result,
		"error":        errText,
		"completed_at": completedAt,
		"updated_at":   now,
	}
	if req.StartedAt != nil {
		updates["started_at"] = req.StartedAt.UTC()
	}

	var outcome ReportOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Command{}).
			Where("command_id = ? AND deployment_hash = ? AND status = ?", req.CommandID, req.DeploymentHash, model.CommandStatusDispatched).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		var current model.Command
		if err := tx.Where("command_id = ?", req.CommandID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, req.CommandID)
			}
			return err
		}

		if res.RowsAffected == 1 {
			outcome = ReportOutcome{Command: current, Applied: true}
			return nil
		}
		if current.DeploymentHash != req.DeploymentHash {
			return fmt.Errorf("%w: command %s is not owned by this deployment", ErrConflict, req.CommandID)
		}
		if current.Status == req.Status && sameDocument(current.Result, result) && sameText(current.Error, errText) {
			outcome = ReportOutcome{Command: current, Applied: false}
			return nil
		}
		return fmt.Errorf("%w: command %s is %s", ErrConflict, req.CommandID, current.Status)
	})
	if err != nil {
		return nil, storeErr("report", err)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"deployment_hash": req.DeploymentHash,
		"command_id":      req.CommandID,
		"status":          req.Status,
	})
	if !outcome.Applied {
		entry.Info("duplicate report ignored")
		return &outcome, nil
	}
	entry.Info("command reported")

	eventType := notify.EventCompleted
	if req.Status == model.CommandStatusFailed {
		eventType = notify.EventFailed
	}
	s.publish(ctx, eventType, outcome.Command)
	return &outcome, nil
}

func sameDocument(a, b datatypes.JSON) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
