package grants

import (
	"context"
	"reflect"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
)

// GenericStore serves the shared grant tables that can reference any model.
type GenericStore struct {
	tableStore
}

var genericModels = map[identity.Kind]any{
	identity.KindUser:         &models.UserObjectPermission{},
	identity.KindGroup:        &models.GroupObjectPermission{},
	identity.KindOrganization: &models.OrganizationObjectPermission{},
}

func newGenericStore(kind identity.Kind, cache *sync.Map, namer schema.Namer) (*GenericStore, error) {
	base, err := parseTable(genericModels[kind], cache, namer, "ObjectPK")
	if err != nil {
		return nil, err
	}
	return &GenericStore{tableStore: base}, nil
}

func (s *GenericStore) Shape() Shape { return ShapeGeneric }

// ContentTypeColumn returns the qualified content type column.
func (s *GenericStore) ContentTypeColumn() string { return s.Column("content_type_id") }

func (s *GenericStore) Target(tx *gorm.DB, target *contenttypes.Entry, pks ...string) (*gorm.DB, error) {
	tx = tx.Where(s.ContentTypeColumn()+" = ?", target.ID())
	if len(pks) > 0 {
		tx = tx.Where(s.ObjectColumn()+" IN ?", pks)
	}
	return tx, nil
}

func (s *GenericStore) Get(ctx context.Context, db *gorm.DB, identityID string, permissionID uint, target *contenttypes.Entry, pk string) (Grant, bool, error) {
	tx, err := s.Target(s.identityScope(db, identityID, permissionID), target, pk)
	if err != nil {
		return Grant{}, false, err
	}
	return s.get(ctx, tx, s.read)
}

func (s *GenericStore) Insert(ctx context.Context, db *gorm.DB, target *contenttypes.Entry, grants []Grant) ([]Grant, error) {
	rows := reflect.MakeSlice(reflect.SliceOf(reflect.PointerTo(s.schema.ModelType)), 0, len(grants))
	for _, g := range grants {
		rv := s.newRecord(g)
		rv.Elem().FieldByName("ContentTypeID").SetUint(uint64(target.ID()))
		rv.Elem().FieldByName("ObjectPK").SetString(g.ObjectPK)
		rows = reflect.Append(rows, rv)
	}
	if err := s.insert(ctx, db, rows); err != nil {
		return nil, err
	}

	out := make([]Grant, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		g := s.read(rows.Index(i))
		g.Codename = grants[i].Codename
		out = append(out, g)
	}
	return out, nil
}

func (s *GenericStore) Records(ctx context.Context, tx *gorm.DB) ([]Grant, error) {
	return s.load(ctx, tx.Model(s.NewModel()), s.read)
}

func (s *GenericStore) read(rv reflect.Value) Grant {
	g := s.grantOf(rv)
	elem := reflect.Indirect(rv)
	g.ContentTypeID = uint(elem.FieldByName("ContentTypeID").Uint())
	g.ObjectPK = elem.FieldByName("ObjectPK").String()
	return g
}
