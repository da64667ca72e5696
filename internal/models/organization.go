package models

type Organization struct {
	BaseModel

	Name        string `gorm:"not null" json:"name"`
	Slug        string `gorm:"uniqueIndex" json:"slug"`
	Description string `json:"description"`

	Users       []User       `gorm:"many2many:organization_users;" json:"users,omitempty"`
	Permissions []Permission `gorm:"many2many:organization_permissions;" json:"-"`
}
