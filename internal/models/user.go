package models

import "time"

// User is an account that can hold global permissions and object grants
// directly or through its groups and organizations.
type User struct {
	BaseModel

	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"index" json:"email"`

	IsSuperuser bool `gorm:"default:false" json:"is_superuser"`
	IsActive    bool `gorm:"default:true" json:"is_active"`

	Groups        []Group        `gorm:"many2many:user_groups;" json:"groups,omitempty"`
	Organizations []Organization `gorm:"many2many:organization_users;" json:"organizations,omitempty"`
	Permissions   []Permission   `gorm:"many2many:user_permissions;" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
}
