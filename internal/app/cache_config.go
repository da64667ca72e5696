package app

import (
	"strings"

	"github.com/charlesng35/rowguard/internal/cache"
	"github.com/charlesng35/rowguard/internal/database"
	"github.com/charlesng35/rowguard/pkg/mail"
)

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:   strings.TrimSpace(c.Redis.Address),
		Username:  strings.TrimSpace(c.Redis.Username),
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		Timeout:   c.Redis.Timeout,
		KeyPrefix: c.Redis.KeyPrefix,
	}
}

// PermissionCacheConfig returns the store settings for the permission id cache.
func (c Config) PermissionCacheConfig() cache.Config {
	return cache.Config{
		Backend: c.Guardian.PermissionCache.Backend,
		Size:    c.Guardian.PermissionCache.Size,
		TTL:     c.Guardian.PermissionCache.TTL,
		Redis:   c.Cache.RedisClientConfig(),
	}
}

// Connection converts the database section into database.Config.
func (c DatabaseConfig) Connection() database.Config {
	return database.Config{
		Driver:        strings.TrimSpace(c.Driver),
		Path:          strings.TrimSpace(c.Path),
		DSN:           strings.TrimSpace(c.DSN),
		Host:          strings.TrimSpace(c.Host),
		Port:          c.Port,
		User:          c.Username,
		Password:      c.Password,
		Name:          c.Name,
		LogLevel:      c.LogLevel,
		SlowThreshold: c.SlowThreshold,
		MaxOpenConns:  c.MaxOpenConns,
	}
}

// Settings converts the mail section into SMTP mailer settings.
func (c MailConfig) Settings() mail.Settings {
	return mail.Settings{
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		Username: strings.TrimSpace(c.Username),
		Password: c.Password,
		From:     strings.TrimSpace(c.From),
		UseTLS:   c.UseTLS,
		Timeout:  c.Timeout,
	}
}
