package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Backends understood by New.
const (
	BackendMemory   = "memory"
	BackendDatabase = "database"
	BackendRedis    = "redis"
)

// Config selects and sizes a Store.
type Config struct {
	Backend string
	Size    int
	TTL     time.Duration
	Redis   RedisConfig
}

// New builds the Store named by cfg.Backend. db is only used by the database backend.
func New(ctx context.Context, cfg Config, db *gorm.DB) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(cfg.Size, cfg.TTL), nil
	case BackendDatabase:
		if db == nil {
			return nil, errors.New("cache: database backend requires a database handle")
		}
		return NewDatabaseStore(db), nil
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("cache: unsupported backend %q", cfg.Backend)
	}
}
