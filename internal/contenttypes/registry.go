package contenttypes

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/charlesng35/rowguard/internal/models"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
	"github.com/charlesng35/rowguard/pkg/logger"
	"github.com/charlesng35/rowguard/pkg/validator"
)

// DefaultAppLabel is used for models that do not implement AppLabeler.
const DefaultAppLabel = "app"

// DefaultActions are the permissions every registered model receives, as
// "<action>_<model>" codenames.
var DefaultActions = []string{"add", "change", "delete", "view"}

// AppLabeler lets a model choose its application label.
type AppLabeler interface {
	AppLabel() string
}

// PermissionDefiner lets a model declare permissions beyond DefaultActions,
// keyed by codename with the human readable name as value.
type PermissionDefiner interface {
	ObjectPermissions() map[string]string
}

type permissionDef struct {
	Codename string `json:"codename" validate:"required,codename,max=100"`
	Name     string `json:"name" validate:"required,max=255"`
}

// Option customises a Registry.
type Option func(*Registry)

// WithDefaultAppLabel overrides DefaultAppLabel.
func WithDefaultAppLabel(label string) Option {
	return func(r *Registry) {
		if label = strings.TrimSpace(label); label != "" {
			r.defaultApp = label
		}
	}
}

// WithPermissionCache memoises permission lookups in cache.
func WithPermissionCache(cache *PermissionCache) Option {
	return func(r *Registry) {
		r.perms = cache
	}
}

// Registry maps Go model types to content types and their permissions.
type Registry struct {
	db         *gorm.DB
	defaultApp string
	perms      *PermissionCache
	log        *zap.Logger
	schemas    sync.Map

	mu     sync.RWMutex
	byType map[reflect.Type]*Entry
	byID   map[uint]*Entry
}

// NewRegistry constructs an empty registry.
func NewRegistry(db *gorm.DB, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, errors.New("content types: db is required")
	}
	r := &Registry{
		db:         db,
		defaultApp: DefaultAppLabel,
		log:        logger.WithModule("contenttypes"),
		byType:     make(map[reflect.Type]*Entry),
		byID:       make(map[uint]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DB returns the handle the registry was built with.
func (r *Registry) DB() *gorm.DB { return r.db }

// Register records the content type of each model and syncs its permissions.
// Registering a model twice is a no-op.
func (r *Registry) Register(ctx context.Context, values ...any) error {
	ctx = ensureContext(ctx)
	for _, value := range values {
		if _, err := r.register(ctx, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(ctx context.Context, value any) (*Entry, error) {
	if value == nil {
		return nil, errors.New("content types: nil model")
	}

	s, err := schema.Parse(value, &r.schemas, r.db.NamingStrategy)
	if err != nil {
		return nil, fmt.Errorf("content types: parse %T: %w", value, err)
	}

	r.mu.RLock()
	existing, ok := r.byType[s.ModelType]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	if s.PrioritizedPrimaryField == nil {
		return nil, fmt.Errorf("content types: %s needs a single primary key", s.ModelType)
	}

	appLabel := r.defaultApp
	if labeler, ok := reflect.New(s.ModelType).Interface().(AppLabeler); ok {
		if label := strings.TrimSpace(labeler.AppLabel()); label != "" {
			appLabel = label
		}
	}
	modelName := strings.ToLower(s.ModelType.Name())

	var ct models.ContentType
	if err := r.db.WithContext(ctx).
		Where(models.ContentType{AppLabel: appLabel, Model: modelName}).
		FirstOrCreate(&ct).Error; err != nil {
		return nil, fmt.Errorf("content types: upsert %s.%s: %w", appLabel, modelName, err)
	}

	entry := &Entry{ContentType: ct, Schema: s, primary: s.PrioritizedPrimaryField}
	if err := r.syncPermissions(ctx, entry); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byType[s.ModelType] = entry
	r.byID[ct.ID] = entry
	r.mu.Unlock()

	r.log.Debug("registered content type", zap.String("content_type", ct.String()), zap.String("table", s.Table))
	return entry, nil
}

func (r *Registry) syncPermissions(ctx context.Context, entry *Entry) error {
	modelName := entry.ContentType.Model
	defs := make([]permissionDef, 0, len(DefaultActions))
	for _, action := range DefaultActions {
		defs = append(defs, permissionDef{
			Codename: action + "_" + modelName,
			Name:     fmt.Sprintf("Can %s %s", action, modelName),
		})
	}

	if definer, ok := reflect.New(entry.Schema.ModelType).Interface().(PermissionDefiner); ok {
		custom := definer.ObjectPermissions()
		codenames := make([]string, 0, len(custom))
		for codename := range custom {
			codenames = append(codenames, codename)
		}
		sort.Strings(codenames)
		for _, codename := range codenames {
			defs = append(defs, permissionDef{Codename: codename, Name: custom[codename]})
		}
	}

	tx := r.db.WithContext(ctx)
	codenames := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := validator.ValidateStruct(def); err != nil {
			return fmt.Errorf("content types: %s permission %q: %w", entry.ContentType, def.Codename, err)
		}

		record := models.Permission{
			ContentTypeID: entry.ID(),
			Codename:      def.Codename,
			Name:          def.Name,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_type_id"}, {Name: "codename"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&record).Error; err != nil {
			return fmt.Errorf("content types: sync %s.%s: %w", entry.ContentType.AppLabel, def.Codename, err)
		}
		codenames = append(codenames, def.Codename)
	}

	r.perms.Invalidate(ctx, entry.ID(), codenames...)
	return nil
}

// ForModel returns the entry of a registered model. value may be a model
// value, a pointer to one, or a slice of either.
func (r *Registry) ForModel(value any) (*Entry, error) {
	t := reflect.TypeOf(value)
	for t != nil && (t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		t = t.Elem()
	}
	if t == nil {
		return nil, apperrors.ErrUnregisteredModel.Withf("nil model")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byType[t]
	if !ok {
		return nil, apperrors.ErrUnregisteredModel.Withf("%s", t)
	}
	return entry, nil
}

// ByID returns the entry of a registered content type id.
func (r *Registry) ByID(id uint) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrUnregisteredModel.Withf("content type %d", id)
	}
	return entry, nil
}

// ByNaturalKey resolves "app_label.model".
func (r *Registry) ByNaturalKey(key string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.byID {
		if entry.ContentType.String() == key {
			return entry, nil
		}
	}
	return nil, apperrors.ErrUnregisteredModel.Withf("%s", key)
}

// Entries returns every registered entry ordered by content type id.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byID))
	for _, entry := range r.byID {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Permission loads the permission with codename on the given content type.
func (r *Registry) Permission(ctx context.Context, contentTypeID uint, codename string) (models.Permission, error) {
	ctx = ensureContext(ctx)
	if perm, ok := r.perms.Get(ctx, contentTypeID, codename); ok {
		return perm, nil
	}

	var perm models.Permission
	err := r.db.WithContext(ctx).
		Where("content_type_id = ? AND codename = ?", contentTypeID, codename).
		Take(&perm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Permission{}, apperrors.ErrPermissionNotFound.Withf("%q on content type %d", codename, contentTypeID)
	}
	if err != nil {
		return models.Permission{}, fmt.Errorf("content types: load permission %s: %w", codename, err)
	}

	r.perms.Put(ctx, perm)
	return perm, nil
}

// PermissionsByAppCodename loads every permission named codename within the
// application appLabel, with ContentType populated.
func (r *Registry) PermissionsByAppCodename(ctx context.Context, appLabel, codename string) ([]models.Permission, error) {
	var perms []models.Permission
	err := r.db.WithContext(ensureContext(ctx)).
		Preload("ContentType").
		Joins("JOIN content_types ON content_types.id = permissions.content_type_id").
		Where("content_types.app_label = ? AND permissions.codename = ?", appLabel, codename).
		Find(&perms).Error
	if err != nil {
		return nil, fmt.Errorf("content types: load permission %s.%s: %w", appLabel, codename, err)
	}
	return perms, nil
}

// ResolvePermission turns perm into a permission of entry's content type. perm
// is a codename, an "app_label.codename" string, or a models.Permission.
// A permission belonging to another content type yields ErrInvalidGrant.
func (r *Registry) ResolvePermission(ctx context.Context, perm any, entry *Entry) (models.Permission, error) {
	switch p := perm.(type) {
	case models.Permission:
		return r.checkPermission(p, entry)
	case *models.Permission:
		if p == nil {
			return models.Permission{}, apperrors.ErrPermissionNotFound.Withf("nil permission")
		}
		return r.checkPermission(*p, entry)
	case string:
		appLabel, codename := SplitPermission(p)
		if appLabel == "" {
			return r.Permission(ctx, entry.ID(), codename)
		}
		if appLabel != entry.ContentType.AppLabel {
			return models.Permission{}, apperrors.ErrInvalidGrant.Withf("%q cannot be granted on %s", p, entry.ContentType)
		}
		found, err := r.Permission(ctx, entry.ID(), codename)
		if errors.Is(err, apperrors.ErrPermissionNotFound) {
			others, lookupErr := r.PermissionsByAppCodename(ctx, appLabel, codename)
			if lookupErr != nil {
				return models.Permission{}, lookupErr
			}
			if len(others) > 0 {
				return models.Permission{}, apperrors.ErrInvalidGrant.Withf("%q cannot be granted on %s", p, entry.ContentType)
			}
		}
		return found, err
	default:
		return models.Permission{}, fmt.Errorf("content types: unsupported permission reference %T", perm)
	}
}

func (r *Registry) checkPermission(perm models.Permission, entry *Entry) (models.Permission, error) {
	if perm.ID == 0 {
		return models.Permission{}, apperrors.ErrPermissionNotFound.Withf("permission %q is not persisted", perm.Codename)
	}
	if perm.ContentTypeID != entry.ID() {
		return models.Permission{}, apperrors.ErrInvalidGrant.Withf("%q cannot be granted on %s", perm.Codename, entry.ContentType)
	}
	return perm, nil
}

// Codenames lists every permission codename of a content type.
func (r *Registry) Codenames(ctx context.Context, contentTypeID uint) ([]string, error) {
	var codenames []string
	err := r.db.WithContext(ensureContext(ctx)).
		Model(&models.Permission{}).
		Where("content_type_id = ?", contentTypeID).
		Order("codename").
		Pluck("codename", &codenames).Error
	if err != nil {
		return nil, fmt.Errorf("content types: list codenames: %w", err)
	}
	return codenames, nil
}

// PermsForModel returns all permissions of a model's content type. value is a
// model value or pointer, a models.ContentType, or an "app_label.model" key.
func (r *Registry) PermsForModel(ctx context.Context, value any) ([]models.Permission, error) {
	var contentTypeID uint
	switch v := value.(type) {
	case string:
		entry, err := r.ByNaturalKey(v)
		if err != nil {
			return nil, err
		}
		contentTypeID = entry.ID()
	case models.ContentType:
		contentTypeID = v.ID
	case *models.ContentType:
		contentTypeID = v.ID
	default:
		entry, err := r.ForModel(value)
		if err != nil {
			return nil, err
		}
		contentTypeID = entry.ID()
	}

	var perms []models.Permission
	err := r.db.WithContext(ensureContext(ctx)).
		Where("content_type_id = ?", contentTypeID).
		Order("codename").
		Find(&perms).Error
	if err != nil {
		return nil, fmt.Errorf("content types: list permissions: %w", err)
	}
	return perms, nil
}

// SplitPermission splits "app_label.codename"; appLabel is empty for a bare codename.
func SplitPermission(perm string) (appLabel, codename string) {
	perm = strings.TrimSpace(perm)
	if idx := strings.Index(perm, "."); idx >= 0 {
		return perm[:idx], perm[idx+1:]
	}
	return "", perm
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
