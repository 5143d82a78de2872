package model

import (
	"time"

	"gorm.io/datatypes"
)

// Command status constants
const (
	CommandStatusPending    = "pending"
	CommandStatusDispatched = "dispatched"
	CommandStatusCompleted  = "completed"
	CommandStatusFailed     = "failed"
	CommandStatusExpired    = "expired"
	CommandStatusCancelled  = "cancelled"
)

// Command priority constants
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var priorityRanks = map[string]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// PriorityRank returns the sort rank of a priority name and whether it is known.
func PriorityRank(priority string) (int, bool) {
	rank, ok := priorityRanks[priority]
	return rank, ok
}

// IsTerminalCommandStatus reports whether no further transition is allowed.
func IsTerminalCommandStatus(status string) bool {
	switch status {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusExpired, CommandStatusCancelled:
		return true
	}
	return false
}

// Command is a unit of work queued for the agent of one deployment.
// The claim (ClaimID, DispatchedAt, LeaseExpiresAt) is folded into the row.
type Command struct {
	BaseModel
	CommandID      string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"command_id"`
	DeploymentHash string         `gorm:"type:varchar(128);not null;index:idx_commands_queue,priority:1" json:"deployment_hash"`
	CommandType    string         `gorm:"type:varchar(64);not null" json:"type"`
	Priority       string         `gorm:"type:varchar(16);not null;default:'normal'" json:"priority"`
	PriorityRank   int            `gorm:"not null;default:1;index:idx_commands_queue,priority:3" json:"-"`
	Parameters     datatypes.JSON `gorm:"type:json" json:"parameters"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	Status         string         `gorm:"type:varchar(16);not null;default:'pending';index:idx_commands_queue,priority:2" json:"status"`
	CreatedBy      string         `gorm:"type:varchar(64)" json:"created_by,omitempty"`
	ClaimID        string         `gorm:"type:varchar(64)" json:"-"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	LeaseExpiresAt *time.Time     `gorm:"index" json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         datatypes.JSON `gorm:"type:json" json:"result,omitempty"`
	Error          *string        `gorm:"type:text" json:"error,omitempty"`
}

// TableName specifies the table name for Command
func (Command) TableName() string {
	return "commands"
}
