package model

import (
	"time"

	"gorm.io/datatypes"
)

// Agent status constants
const (
	AgentStatusActive  = "active"
	AgentStatusRevoked = "revoked"
)

// Agent is the registration record of the runtime agent serving one deployment.
// The bearer token never lives here; it is kept in the secret store under the
// deployment's token path.
type Agent struct {
	BaseModel
	AgentID        string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"agent_id"`
	DeploymentHash string         `gorm:"type:varchar(128);not null;uniqueIndex" json:"deployment_hash"`
	Capabilities   datatypes.JSON `gorm:"type:json" json:"capabilities"`
	SystemInfo     datatypes.JSON `gorm:"type:json" json:"system_info"`
	AgentVersion   string         `gorm:"type:varchar(64);not null" json:"agent_version"`
	PublicKey      string         `gorm:"type:text" json:"-"`
	BaseURL        string         `gorm:"type:varchar(255)" json:"base_url,omitempty"`
	Status         string         `gorm:"type:varchar(16);default:'active';not null" json:"status"`
	RegisteredAt   time.Time      `gorm:"not null" json:"registered_at"`
	LastSeenAt     *time.Time     `json:"last_seen_at,omitempty"`
	TokenRotatedAt *time.Time     `json:"token_rotated_at,omitempty"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
}

// TableName specifies the table name for Agent
func (Agent) TableName() string {
	return "agents"
}

// IsActive reports whether the agent may authenticate.
func (a *Agent) IsActive() bool {
	return a.Status == AgentStatusActive
}
