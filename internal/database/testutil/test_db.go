package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/charlesng35/rowguard/internal/database"
)

// TestDBOption customises the behaviour of MustOpenTestDB.
type TestDBOption func(*testDBConfig)

type testDBConfig struct {
	autoMigrate bool
	fixtures    bool
	extra       []any
}

// WithAutoMigrate enables automatic schema migration after opening the test database.
func WithAutoMigrate() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
	}
}

// WithFixtures migrates the fixture target models and their direct grant tables.
func WithFixtures() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.fixtures = true
	}
}

// WithModels migrates additional models alongside the core schema.
func WithModels(models ...any) TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.extra = append(cfg.extra, models...)
	}
}

// MustOpenTestDB opens a private in-memory SQLite database for tests, applying
// optional migrations. The connection is closed via t.Cleanup.
func MustOpenTestDB(t *testing.T, opts ...TestDBOption) *gorm.DB {
	t.Helper()

	cfg := testDBConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := database.Open(database.Config{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	if cfg.autoMigrate {
		extra := cfg.extra
		if cfg.fixtures {
			extra = append(FixtureModels(), extra...)
		}
		require.NoError(t, database.AutoMigrate(db, extra...))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

// QueryCounter is a gorm logger counting executed statements.
type QueryCounter struct {
	count atomic.Int64
}

// CountQueries returns a session of db whose statements are counted.
func CountQueries(db *gorm.DB) (*gorm.DB, *QueryCounter) {
	counter := &QueryCounter{}
	return db.Session(&gorm.Session{Logger: counter}), counter
}

// Count returns the number of statements seen so far.
func (c *QueryCounter) Count() int64 { return c.count.Load() }

// Reset zeroes the counter.
func (c *QueryCounter) Reset() { c.count.Store(0) }

func (c *QueryCounter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return c }

func (c *QueryCounter) Info(context.Context, string, ...interface{}) {}

func (c *QueryCounter) Warn(context.Context, string, ...interface{}) {}

func (c *QueryCounter) Error(context.Context, string, ...interface{}) {}

func (c *QueryCounter) Trace(context.Context, time.Time, func() (string, int64), error) {
	c.count.Add(1)
}
