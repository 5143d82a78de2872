package model

// User status constants
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// User roles known to the default authorizer
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// User is a dashboard or API operator that produces commands.
type User struct {
	BaseModel
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
	Role         string `gorm:"type:varchar(32);default:'operator'" json:"role"`
	Status       string `gorm:"type:varchar(16);default:'active'" json:"status"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}
