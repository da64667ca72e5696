package database

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/models"
)

// CoreModels lists the tables every deployment needs.
func CoreModels() []any {
	return []any{
		&models.ContentType{},
		&models.Permission{},
		&models.User{},
		&models.Group{},
		&models.Organization{},
		&models.UserObjectPermission{},
		&models.GroupObjectPermission{},
		&models.OrganizationObjectPermission{},
		&models.CacheEntry{},
	}
}

// AutoMigrate creates or updates the core schema plus any application models
// (targets and direct grant tables) passed in extra.
func AutoMigrate(db *gorm.DB, extra ...any) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	return db.AutoMigrate(append(CoreModels(), extra...)...)
}

// SeedData creates the anonymous user when a name is configured.
func SeedData(db *gorm.DB, anonymousUser string) error {
	name := strings.TrimSpace(anonymousUser)
	if name == "" {
		return nil
	}

	user := models.User{Username: name, IsActive: true}
	return db.Where(models.User{Username: name}).Attrs(user).FirstOrCreate(&models.User{}).Error
}
