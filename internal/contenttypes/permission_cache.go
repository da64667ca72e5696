package contenttypes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/rowguard/internal/cache"
	"github.com/charlesng35/rowguard/internal/models"
	"github.com/charlesng35/rowguard/pkg/logger"
)

// DefaultPermissionCacheTTL bounds how long a permission id lookup is reused.
const DefaultPermissionCacheTTL = 24 * time.Hour

// PermissionCache memoises (content type, codename) -> permission lookups.
// Store failures degrade to misses.
type PermissionCache struct {
	store cache.Store
	ttl   time.Duration
	log   *zap.Logger
}

type cachedPermission struct {
	ID            uint   `json:"id"`
	Name          string `json:"name"`
	ContentTypeID uint   `json:"content_type_id"`
	Codename      string `json:"codename"`
}

// NewPermissionCache wraps store. A non-positive ttl uses DefaultPermissionCacheTTL.
func NewPermissionCache(store cache.Store, ttl time.Duration) *PermissionCache {
	if ttl <= 0 {
		ttl = DefaultPermissionCacheTTL
	}
	return &PermissionCache{store: store, ttl: ttl, log: logger.WithModule("contenttypes")}
}

func permissionKey(contentTypeID uint, codename string) string {
	return fmt.Sprintf("permission:%d:%s", contentTypeID, codename)
}

// Get returns the cached permission, if any.
func (c *PermissionCache) Get(ctx context.Context, contentTypeID uint, codename string) (models.Permission, bool) {
	if c == nil || c.store == nil {
		return models.Permission{}, false
	}
	raw, ok, err := c.store.Get(ctx, permissionKey(contentTypeID, codename))
	if err != nil {
		c.log.Warn("permission cache get failed", zap.Error(err))
		return models.Permission{}, false
	}
	if !ok {
		return models.Permission{}, false
	}

	var cached cachedPermission
	if err := json.Unmarshal(raw, &cached); err != nil {
		_ = c.store.Delete(ctx, permissionKey(contentTypeID, codename))
		return models.Permission{}, false
	}
	return models.Permission{
		ID:            cached.ID,
		Name:          cached.Name,
		ContentTypeID: cached.ContentTypeID,
		Codename:      cached.Codename,
	}, true
}

// Put stores perm.
func (c *PermissionCache) Put(ctx context.Context, perm models.Permission) {
	if c == nil || c.store == nil {
		return
	}
	raw, err := json.Marshal(cachedPermission{
		ID:            perm.ID,
		Name:          perm.Name,
		ContentTypeID: perm.ContentTypeID,
		Codename:      perm.Codename,
	})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, permissionKey(perm.ContentTypeID, perm.Codename), raw, c.ttl); err != nil {
		c.log.Warn("permission cache set failed", zap.Error(err))
	}
}

// Invalidate drops the cached lookups of the given codenames.
func (c *PermissionCache) Invalidate(ctx context.Context, contentTypeID uint, codenames ...string) {
	if c == nil || c.store == nil || len(codenames) == 0 {
		return
	}
	keys := make([]string, len(codenames))
	for i, codename := range codenames {
		keys[i] = permissionKey(contentTypeID, codename)
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.log.Warn("permission cache invalidate failed", zap.Error(err))
	}
}
