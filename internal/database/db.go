package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/pkg/logger"
)

// Config contains database connection options.
type Config struct {
	Driver   string
	Path     string // SQLite database path when Driver == sqlite
	DSN      string // Optional DSN override
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Options  map[string]string

	// LogLevel controls the SQL log routed to zap: silent, error, warn or info.
	LogLevel      string
	SlowThreshold time.Duration
	MaxOpenConns  int
}

// Open initialises a gorm.DB using the provided configuration.
func Open(cfg Config) (*gorm.DB, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" {
		driver = "sqlite"
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres", "postgresql":
		db, err = openPostgres(cfg)
	case "mysql":
		db, err = openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

func gormConfig(cfg Config) *gorm.Config {
	return &gorm.Config{
		Logger:  NewGormLogger(logger.WithModule("database"), cfg.LogLevel, cfg.SlowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrateAndSeed convenience helper used during application start-up.
func AutoMigrateAndSeed(db *gorm.DB, anonymousUser string, extra ...any) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	if err := AutoMigrate(db, extra...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if err := SeedData(db, anonymousUser); err != nil {
		return fmt.Errorf("seed data: %w", err)
	}

	return nil
}

// CastToInteger renders a SQL expression converting a string column to an
// integer in the dialect of db.
func CastToInteger(db *gorm.DB, column string) string {
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "mysql" {
		return fmt.Sprintf("CAST(%s AS SIGNED)", column)
	}
	return fmt.Sprintf("CAST(%s AS BIGINT)", column)
}

// CastToText renders a SQL expression converting a column to a string in the
// dialect of db.
func CastToText(db *gorm.DB, column string) string {
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "mysql" {
		return fmt.Sprintf("CAST(%s AS CHAR)", column)
	}
	return fmt.Sprintf("CAST(%s AS TEXT)", column)
}
