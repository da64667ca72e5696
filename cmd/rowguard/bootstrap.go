package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/app"
	"github.com/charlesng35/rowguard/internal/app/maintenance"
	"github.com/charlesng35/rowguard/internal/cache"
	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/database"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
	"github.com/charlesng35/rowguard/internal/services"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
	"github.com/charlesng35/rowguard/pkg/logger"
	"github.com/charlesng35/rowguard/pkg/mail"
)

// Application models are compiled in. Target models receive object
// permissions; direct grant models are their dedicated grant tables.
var (
	targetModels []any
	directGrants []models.DirectGrant
)

// runtimeStack bundles the long-lived services used by the commands.
type runtimeStack struct {
	DB       *gorm.DB
	Cache    cache.Store
	Registry *contenttypes.Registry
	Adapter  *grants.Adapter
	Resolver *identity.Resolver
	Service  *services.PermissionService
	Notifier maintenance.Notifier
	Cleaner  *maintenance.Cleaner
}

// bootstrapRuntime opens and migrates the database, then wires the registry,
// grant adapter, permission service and maintenance jobs.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Cache, err = cache.New(ctx, cfg.PermissionCacheConfig(), stack.DB)
	if err != nil {
		log.Warn("permission cache unavailable; falling back to memory", zap.Error(err))
		stack.Cache = cache.NewMemoryStore(cfg.Guardian.PermissionCache.Size, cfg.Guardian.PermissionCache.TTL)
	}

	permCache := contenttypes.NewPermissionCache(stack.Cache, cfg.Guardian.PermissionCache.TTL)
	stack.Registry, err = contenttypes.NewRegistry(stack.DB, contenttypes.WithPermissionCache(permCache))
	if err != nil {
		return nil, fmt.Errorf("initialise content types: %w", err)
	}
	if err := stack.Registry.Register(ctx, targetModels...); err != nil {
		return nil, fmt.Errorf("register models: %w", err)
	}

	stack.Adapter, err = grants.NewAdapter(stack.DB, stack.Registry)
	if err != nil {
		return nil, fmt.Errorf("initialise grant adapter: %w", err)
	}
	if err := stack.Adapter.RegisterDirect(ctx, directGrants...); err != nil {
		return nil, fmt.Errorf("register direct grant tables: %w", err)
	}

	stack.Resolver, err = identity.NewResolver(stack.DB, cfg.Guardian.AnonymousUserName)
	if err != nil {
		return nil, fmt.Errorf("initialise identity resolver: %w", err)
	}

	stack.Service, err = services.NewPermissionService(stack.Adapter, stack.Resolver,
		services.WithServiceAutoPrefetch(cfg.Guardian.AutoPrefetch))
	if err != nil {
		return nil, fmt.Errorf("initialise permission service: %w", err)
	}

	stack.Notifier, err = newNotifier(cfg, stack.Adapter)
	if err != nil {
		return nil, err
	}

	stack.Cleaner = maintenance.NewCleaner(stack.Adapter,
		maintenance.WithNotifier(stack.Notifier),
		maintenance.WithBatchSize(cfg.Maintenance.BatchSize),
		maintenance.WithOrphanSchedule(cfg.Maintenance.OrphanSchedule),
		maintenance.WithExpiryNoticeSchedule(cfg.Maintenance.ExpiryNoticeSchedule),
	)

	success = true
	return stack, nil
}

func newNotifier(cfg *app.Config, adapter *grants.Adapter) (maintenance.Notifier, error) {
	log := logger.WithModule("notices")
	if !cfg.Maintenance.Mail.Enabled {
		return maintenance.NewLogNotifier(log), nil
	}

	mailer, err := mail.NewSMTPMailer(cfg.Maintenance.Mail.Settings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}
	return maintenance.NewMailNotifier(adapter, mailer, log)
}

// Shutdown stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
	}

	if rs, ok := s.Cache.(*cache.RedisStore); ok && rs != nil {
		if err := rs.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func (s *runtimeStack) findUser(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.Withf("user %q", username)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.Connection()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	extra := append([]any{}, targetModels...)
	for _, model := range directGrants {
		extra = append(extra, model)
	}
	if err := database.AutoMigrateAndSeed(db, cfg.Guardian.AnonymousUserName, extra...); err != nil {
		closeDatabase(db, logger.WithModule("database"))
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
