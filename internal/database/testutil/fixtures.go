package testutil

import (
	"github.com/charlesng35/rowguard/internal/models"
)

// Widget is a fixture target with a numeric primary key and generic grants.
type Widget struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

// AppLabel places Widget under the "inventory" application.
func (Widget) AppLabel() string { return "inventory" }

// Article is a fixture target with a uuid primary key and generic grants.
type Article struct {
	models.BaseModel
	Title string
}

func (Article) AppLabel() string { return "blog" }

// ObjectPermissions declares permissions beyond the default four.
func (Article) ObjectPermissions() map[string]string {
	return map[string]string{"publish_article": "Can publish article"}
}

// Document is a fixture target whose grants live in direct tables.
type Document struct {
	ID    uint `gorm:"primaryKey"`
	Title string
}

func (Document) AppLabel() string { return "docs" }

// DocumentUserObjectPermission is the direct user grant table for Document.
type DocumentUserObjectPermission struct {
	models.UserObjectPermissionBase
	ContentObjectID uint     `gorm:"not null;index:,unique,composite:object_grant,priority:3"`
	ContentObject   Document `gorm:"constraint:OnDelete:CASCADE"`
}

func (DocumentUserObjectPermission) GrantTarget() any { return &Document{} }

// DocumentGroupObjectPermission is the direct group grant table for Document.
type DocumentGroupObjectPermission struct {
	models.GroupObjectPermissionBase
	ContentObjectID uint     `gorm:"not null;index:,unique,composite:object_grant,priority:3"`
	ContentObject   Document `gorm:"constraint:OnDelete:CASCADE"`
}

func (DocumentGroupObjectPermission) GrantTarget() any { return &Document{} }

// FixtureModels lists the fixture tables in migration order.
func FixtureModels() []any {
	return []any{
		&Widget{},
		&Article{},
		&Document{},
		&DocumentUserObjectPermission{},
		&DocumentGroupObjectPermission{},
	}
}

// DirectGrantFixtures lists the fixture direct grant models.
func DirectGrantFixtures() []models.DirectGrant {
	return []models.DirectGrant{
		DocumentUserObjectPermission{},
		DocumentGroupObjectPermission{},
	}
}
