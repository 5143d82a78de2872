// Package audit persists agent lifecycle and security events.
package audit

import (
	"context"
	"encoding/json"

	"agent_dispatch/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Actions
const (
	ActionRegister       = "agent.registered"
	ActionAuthFailed     = "agent.auth_failed"
	ActionWait           = "agent.wait"
	ActionReport         = "agent.report"
	ActionReportConflict = "agent.report_conflict"
	ActionTokenRotated   = "agent.token_rotated"
	ActionRevoke         = "agent.revoked"
	ActionReinstate      = "agent.reinstated"
	ActionConfigPushed   = "app_config.pushed"
)

// Entry is one audit record
type Entry struct {
	AgentID        string
	DeploymentHash string
	Action         string
	Success        bool
	Details        map[string]interface{}
	IPAddress      string
	UserAgent      string
}

// Writer stores audit entries. A failed write is logged and never fails the request.
type Writer struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// NewWriter creates a Writer
func NewWriter(db *gorm.DB, logger *logrus.Entry) *Writer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{db: db, logger: logger.WithField("component", "audit")}
}

// Record writes an entry
func (w *Writer) Record(ctx context.Context, e Entry) {
	status := model.AuditStatusSuccess
	if !e.Success {
		status = model.AuditStatusFailed
	}

	row := model.AuditLog{
		AgentID:        e.AgentID,
		DeploymentHash: e.DeploymentHash,
		Action:         e.Action,
		Status:         status,
		IPAddress:      e.IPAddress,
		UserAgent:      truncate(e.UserAgent, 255),
	}
	if len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			row.Details = datatypes.JSON(raw)
		}
	}

	// 审计写入不受请求取消影响
	if err := w.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		w.logger.WithFields(logrus.Fields{
			"action":          e.Action,
			"deployment_hash": e.DeploymentHash,
			"agent_id":        e.AgentID,
		}).WithError(err).Error("failed to write audit log")
	}
}

// Recent returns the latest entries for a deployment, newest first
func (w *Writer) Recent(ctx context.Context, deploymentHash string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []model.AuditLog
	err := w.db.WithContext(ctx).
		Where("deployment_hash = ?", deploymentHash).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
