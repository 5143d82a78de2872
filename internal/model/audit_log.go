package model

import "gorm.io/datatypes"

// Audit status constants
const (
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
)

// AuditLog records agent-facing security and lifecycle events.
type AuditLog struct {
	BaseModel
	AgentID        string         `gorm:"type:varchar(64);index" json:"agent_id,omitempty"`
	DeploymentHash string         `gorm:"type:varchar(128);index" json:"deployment_hash,omitempty"`
	Action         string         `gorm:"type:varchar(64);not null" json:"action"`
	Status         string         `gorm:"type:varchar(16);not null" json:"status"`
	Details        datatypes.JSON `gorm:"type:json" json:"details,omitempty"`
	IPAddress      string         `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent      string         `gorm:"type:varchar(255)" json:"user_agent,omitempty"`
}

// TableName specifies the table name for AuditLog
func (AuditLog) TableName() string {
	return "audit_logs"
}
