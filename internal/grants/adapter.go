package grants

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
	"github.com/charlesng35/rowguard/pkg/logger"
)

type storeKey struct {
	kind          identity.Kind
	contentTypeID uint
}

// Adapter decides which grant table serves an (identity kind, content type)
// pair. Reads and writes go through the same decision, which is cached.
type Adapter struct {
	db       *gorm.DB
	registry *contenttypes.Registry
	log      *zap.Logger
	schemas  sync.Map

	generic map[identity.Kind]*GenericStore

	mu       sync.RWMutex
	direct   map[storeKey]*DirectStore
	resolved map[storeKey]Store
}

// NewAdapter builds the generic stores; direct tables are added with RegisterDirect.
func NewAdapter(db *gorm.DB, registry *contenttypes.Registry) (*Adapter, error) {
	if db == nil {
		return nil, errors.New("grants: db is required")
	}
	if registry == nil {
		return nil, errors.New("grants: content type registry is required")
	}

	a := &Adapter{
		db:       db,
		registry: registry,
		log:      logger.WithModule("grants"),
		generic:  make(map[identity.Kind]*GenericStore, 3),
		direct:   make(map[storeKey]*DirectStore),
		resolved: make(map[storeKey]Store),
	}
	for _, kind := range identity.Kinds() {
		store, err := newGenericStore(kind, &a.schemas, db.NamingStrategy)
		if err != nil {
			return nil, err
		}
		a.generic[kind] = store
	}
	return a, nil
}

// DB returns the handle the adapter was built with.
func (a *Adapter) DB() *gorm.DB { return a.db }

// Registry returns the content type registry.
func (a *Adapter) Registry() *contenttypes.Registry { return a.registry }

// RegisterDirect binds direct grant models to their target content types,
// registering the targets when needed. Only one direct table may serve a
// given identity kind and target.
func (a *Adapter) RegisterDirect(ctx context.Context, grants ...models.DirectGrant) error {
	for _, grant := range grants {
		if grant == nil {
			return errors.New("grants: nil direct grant model")
		}
		target := grant.GrantTarget()
		if err := a.registry.Register(ctx, target); err != nil {
			return err
		}
		entry, err := a.registry.ForModel(target)
		if err != nil {
			return err
		}

		store, err := newDirectStore(grant, entry, &a.schemas, a.db.NamingStrategy)
		if err != nil {
			return err
		}

		key := storeKey{kind: store.Kind(), contentTypeID: entry.ID()}
		a.mu.Lock()
		if existing, ok := a.direct[key]; ok && existing.Table() != store.Table() {
			a.mu.Unlock()
			return fmt.Errorf("grants: %s and %s both hold %s grants on %s", existing.Table(), store.Table(), key.kind, entry.ContentType)
		}
		a.direct[key] = store
		delete(a.resolved, key)
		a.mu.Unlock()

		a.log.Debug("registered direct grant table",
			zap.String("table", store.Table()),
			zap.String("identity", key.kind.String()),
			zap.String("content_type", entry.ContentType.String()))
	}
	return nil
}

// StoreFor returns the table holding kind grants on target.
func (a *Adapter) StoreFor(kind identity.Kind, target *contenttypes.Entry) Store {
	key := storeKey{kind: kind, contentTypeID: target.ID()}

	a.mu.RLock()
	store, ok := a.resolved[key]
	a.mu.RUnlock()
	if ok {
		return store
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if direct, ok := a.direct[key]; ok {
		store = direct
	} else {
		store = a.generic[kind]
	}
	a.resolved[key] = store
	return store
}

// Generic returns the generic table of kind.
func (a *Adapter) Generic(kind identity.Kind) *GenericStore {
	return a.generic[kind]
}

// Stores lists every table: the generic ones first, then direct tables by name.
func (a *Adapter) Stores() []Store {
	a.mu.RLock()
	direct := make([]Store, 0, len(a.direct))
	for _, store := range a.direct {
		direct = append(direct, store)
	}
	a.mu.RUnlock()

	out := make([]Store, 0, len(a.generic)+len(direct))
	for _, kind := range identity.Kinds() {
		out = append(out, a.generic[kind])
	}
	sort.Slice(direct, func(i, j int) bool { return direct[i].Table() < direct[j].Table() })

	return append(out, direct...)
}
