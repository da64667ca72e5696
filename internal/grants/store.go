package grants

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
)

// Shape distinguishes the two grant table layouts.
type Shape int

const (
	// ShapeGeneric tables address targets by content type and string key.
	ShapeGeneric Shape = iota + 1
	// ShapeDirect tables hold a typed foreign key to one target model.
	ShapeDirect
)

func (s Shape) String() string {
	if s == ShapeDirect {
		return "direct"
	}
	return "generic"
}

const insertBatchSize = 500

// Grant is the table independent view of one grant row.
type Grant struct {
	ID                    uint
	Kind                  identity.Kind
	IdentityID            string
	PermissionID          uint
	Codename              string
	ContentTypeID         uint
	ObjectPK              string
	Expiry                *time.Time
	ExpiryNotice30DaySent bool
	ExpiryNotice0DaySent  bool
	Table                 string
}

// Store reads and writes one grant table. Column accessors return names
// qualified with the table so they can be combined with joins.
type Store interface {
	Kind() identity.Kind
	Shape() Shape
	Table() string

	IdentityColumn() string
	ObjectColumn() string
	PermissionColumn() string
	ExpiryColumn() string
	Column(name string) string

	// Target restricts tx to grants on target, and to pks when given.
	Target(tx *gorm.DB, target *contenttypes.Entry, pks ...string) (*gorm.DB, error)
	// Get loads the grant of identityID for permissionID on (target, pk).
	Get(ctx context.Context, db *gorm.DB, identityID string, permissionID uint, target *contenttypes.Entry, pk string) (Grant, bool, error)
	// Insert writes grants in batches and returns them with ids populated.
	Insert(ctx context.Context, db *gorm.DB, target *contenttypes.Entry, grants []Grant) ([]Grant, error)
	// SaveExpiry persists the expiry and notice flags of g.
	SaveExpiry(ctx context.Context, db *gorm.DB, g Grant) error
	// Records loads full grants matching the conditions already on tx.
	Records(ctx context.Context, tx *gorm.DB) ([]Grant, error)
	// NewModel returns a pointer to a zero row of the table.
	NewModel() any
}

var (
	baseFieldName = "ObjectPermissionBase"
	identityField = map[identity.Kind]string{
		identity.KindUser:         "UserID",
		identity.KindGroup:        "GroupID",
		identity.KindOrganization: "OrganizationID",
	}
)

// tableStore carries what both shapes share: schema, kind and columns.
type tableStore struct {
	kind     identity.Kind
	schema   *schema.Schema
	identity *schema.Field
	object   *schema.Field
}

func parseTable(model any, cache *sync.Map, namer schema.Namer, objectField string) (tableStore, error) {
	s, err := schema.Parse(model, cache, namer)
	if err != nil {
		return tableStore{}, fmt.Errorf("grants: parse %T: %w", model, err)
	}
	if _, ok := s.ModelType.FieldByName(baseFieldName); !ok {
		return tableStore{}, fmt.Errorf("grants: %s does not embed an object permission base", s.ModelType)
	}

	var (
		kind  identity.Kind
		field *schema.Field
	)
	for _, k := range identity.Kinds() {
		if f := s.LookUpField(identityField[k]); f != nil {
			if kind != 0 {
				return tableStore{}, fmt.Errorf("grants: %s references more than one identity kind", s.ModelType)
			}
			kind, field = k, f
		}
	}
	if kind == 0 {
		return tableStore{}, fmt.Errorf("grants: %s has no identity column", s.ModelType)
	}

	object := s.LookUpField(objectField)
	if object == nil {
		return tableStore{}, fmt.Errorf("grants: %s has no %s field", s.ModelType, objectField)
	}

	return tableStore{kind: kind, schema: s, identity: field, object: object}, nil
}

func (s *tableStore) Kind() identity.Kind { return s.kind }

func (s *tableStore) Table() string { return s.schema.Table }

func (s *tableStore) Column(name string) string { return s.schema.Table + "." + name }

func (s *tableStore) IdentityColumn() string { return s.Column(s.identity.DBName) }

func (s *tableStore) ObjectColumn() string { return s.Column(s.object.DBName) }

func (s *tableStore) PermissionColumn() string { return s.Column("permission_id") }

func (s *tableStore) ExpiryColumn() string { return s.Column("expiry") }

func (s *tableStore) NewModel() any {
	return reflect.New(s.schema.ModelType).Interface()
}

func (s *tableStore) SaveExpiry(ctx context.Context, db *gorm.DB, g Grant) error {
	if g.ID == 0 {
		return errors.New("grants: cannot save an unsaved grant")
	}
	err := db.WithContext(ctx).
		Model(s.NewModel()).
		Where(s.Column("id")+" = ?", g.ID).
		Updates(map[string]any{
			"expiry":                   g.Expiry,
			"expiry_notice_30day_sent": g.ExpiryNotice30DaySent,
			"expiry_notice_0day_sent":  g.ExpiryNotice0DaySent,
		}).Error
	if err != nil {
		return fmt.Errorf("grants: update %s %d: %w", s.Table(), g.ID, err)
	}
	return nil
}

// newRecord builds a row value without its target columns.
func (s *tableStore) newRecord(g Grant) reflect.Value {
	rv := reflect.New(s.schema.ModelType)
	elem := rv.Elem()
	elem.FieldByName(baseFieldName).Set(reflect.ValueOf(models.ObjectPermissionBase{
		PermissionID:          g.PermissionID,
		Expiry:                g.Expiry,
		ExpiryNotice30DaySent: g.ExpiryNotice30DaySent,
		ExpiryNotice0DaySent:  g.ExpiryNotice0DaySent,
	}))
	elem.FieldByName(identityField[s.kind]).SetString(g.IdentityID)
	return rv
}

// grantOf reads the shared columns of a row.
func (s *tableStore) grantOf(rv reflect.Value) Grant {
	elem := reflect.Indirect(rv)
	base := elem.FieldByName(baseFieldName).Interface().(models.ObjectPermissionBase)
	return Grant{
		ID:                    base.ID,
		Kind:                  s.kind,
		IdentityID:            elem.FieldByName(identityField[s.kind]).String(),
		PermissionID:          base.PermissionID,
		Codename:              base.Permission.Codename,
		Expiry:                base.Expiry,
		ExpiryNotice30DaySent: base.ExpiryNotice30DaySent,
		ExpiryNotice0DaySent:  base.ExpiryNotice0DaySent,
		Table:                 s.Table(),
	}
}

func (s *tableStore) insert(ctx context.Context, db *gorm.DB, rows reflect.Value) error {
	if rows.Len() == 0 {
		return nil
	}
	err := db.WithContext(ctx).
		Omit(clause.Associations).
		CreateInBatches(rows.Interface(), insertBatchSize).Error
	if err != nil {
		return fmt.Errorf("grants: insert into %s: %w", s.Table(), err)
	}
	return nil
}

func (s *tableStore) load(ctx context.Context, tx *gorm.DB, read func(reflect.Value) Grant) ([]Grant, error) {
	rows := reflect.New(reflect.SliceOf(reflect.PointerTo(s.schema.ModelType)))
	if err := tx.WithContext(ctx).Preload("Permission").Find(rows.Interface()).Error; err != nil {
		return nil, fmt.Errorf("grants: load %s: %w", s.Table(), err)
	}
	slice := rows.Elem()
	out := make([]Grant, 0, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		out = append(out, read(slice.Index(i)))
	}
	return out, nil
}

// get loads a single row with its permission, so Codename is set.
func (s *tableStore) get(ctx context.Context, tx *gorm.DB, read func(reflect.Value) Grant) (Grant, bool, error) {
	rv := reflect.New(s.schema.ModelType)
	err := tx.WithContext(ctx).Preload("Permission").Take(rv.Interface()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, fmt.Errorf("grants: get from %s: %w", s.Table(), err)
	}
	return read(rv), true, nil
}

func (s *tableStore) identityScope(db *gorm.DB, identityID string, permissionID uint) *gorm.DB {
	return db.Model(s.NewModel()).
		Where(s.IdentityColumn()+" = ?", identityID).
		Where(s.PermissionColumn()+" = ?", permissionID)
}
