package models

// Group bundles users; its grants are inherited by every member.
type Group struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`

	Users       []User       `gorm:"many2many:user_groups;" json:"users,omitempty"`
	Permissions []Permission `gorm:"many2many:group_permissions;" json:"-"`
}
