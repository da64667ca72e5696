package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/pkg/validator"
)

// Config represents the runtime configuration of rowguard.
type Config struct {
	Guardian    GuardianConfig    `mapstructure:"guardian"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Log         LogConfig         `mapstructure:"log"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// GuardianConfig controls permission checking behaviour. The render and raise
// switches are consumed by HTTP integrations.
type GuardianConfig struct {
	AnonymousUserName string                `mapstructure:"anonymous_user_name" validate:"required"`
	AutoPrefetch      bool                  `mapstructure:"auto_prefetch"`
	Render403         bool                  `mapstructure:"render_403"`
	Render404         bool                  `mapstructure:"render_404"`
	Raise403          bool                  `mapstructure:"raise_403"`
	Raise404          bool                  `mapstructure:"raise_404"`
	Template403       string                `mapstructure:"template_403"`
	Template404       string                `mapstructure:"template_404"`
	PermissionCache   PermissionCacheConfig `mapstructure:"permission_cache"`
}

// PermissionCacheConfig sizes the codename to permission id cache.
type PermissionCacheConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=memory database redis"`
	Size    int           `mapstructure:"size" validate:"gte=1"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver        string        `mapstructure:"driver" validate:"oneof=sqlite postgres postgresql mysql"`
	Path          string        `mapstructure:"path"`
	DSN           string        `mapstructure:"dsn"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Name          string        `mapstructure:"name"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	LogLevel      string        `mapstructure:"log_level" validate:"omitempty,oneof=silent error warn info"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	MaxOpenConns  int           `mapstructure:"max_open_conns" validate:"gte=0"`
}

// CacheConfig describes shared cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// MaintenanceConfig schedules the background grant sweeps.
type MaintenanceConfig struct {
	Enabled              bool       `mapstructure:"enabled"`
	OrphanSchedule       string     `mapstructure:"orphan_schedule" validate:"required"`
	ExpiryNoticeSchedule string     `mapstructure:"expiry_notice_schedule" validate:"required"`
	BatchSize            int        `mapstructure:"batch_size" validate:"gte=1"`
	Mail                 MailConfig `mapstructure:"mail"`
}

// MailConfig enables emailing expiry notices over SMTP. When disabled the
// notices are logged.
type MailConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from" validate:"required_if=Enabled true"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("ROWGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks field rules and the combinations a single field cannot express.
func (c *Config) Validate() error {
	if err := validator.ValidateStruct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	g := c.Guardian
	if g.Render403 && g.Raise403 {
		return errors.New("config: guardian.render_403 and guardian.raise_403 are mutually exclusive")
	}
	if g.Render404 && g.Raise404 {
		return errors.New("config: guardian.render_404 and guardian.raise_404 are mutually exclusive")
	}
	if g.PermissionCache.Backend == "redis" && strings.TrimSpace(c.Cache.Redis.Address) == "" {
		return errors.New("config: redis permission cache requires cache.redis.address")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("guardian.anonymous_user_name", identity.DefaultAnonymousUserName)
	v.SetDefault("guardian.auto_prefetch", false)
	v.SetDefault("guardian.render_403", false)
	v.SetDefault("guardian.render_404", false)
	v.SetDefault("guardian.raise_403", false)
	v.SetDefault("guardian.raise_404", false)
	v.SetDefault("guardian.template_403", "403.html")
	v.SetDefault("guardian.template_404", "404.html")
	v.SetDefault("guardian.permission_cache.backend", "memory")
	v.SetDefault("guardian.permission_cache.size", 1024)
	v.SetDefault("guardian.permission_cache.ttl", "24h")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/rowguard.sqlite")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_threshold", "200ms")

	v.SetDefault("cache.redis.address", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "rowguard:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.orphan_schedule", "@daily")
	v.SetDefault("maintenance.expiry_notice_schedule", "@hourly")
	v.SetDefault("maintenance.batch_size", 500)
	v.SetDefault("maintenance.mail.enabled", false)
	v.SetDefault("maintenance.mail.port", 587)
	v.SetDefault("maintenance.mail.timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
