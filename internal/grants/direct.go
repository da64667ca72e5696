package grants

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/charlesng35/rowguard/internal/contenttypes"
)

const directObjectField = "ContentObjectID"

// DirectStore serves an application grant table bound to a single target model
// through a typed foreign key.
type DirectStore struct {
	tableStore
	target *contenttypes.Entry
}

func newDirectStore(model any, target *contenttypes.Entry, cache *sync.Map, namer schema.Namer) (*DirectStore, error) {
	base, err := parseTable(model, cache, namer, directObjectField)
	if err != nil {
		return nil, err
	}
	return &DirectStore{tableStore: base, target: target}, nil
}

func (s *DirectStore) Shape() Shape { return ShapeDirect }

// TargetEntry returns the content type the table is bound to.
func (s *DirectStore) TargetEntry() *contenttypes.Entry { return s.target }

func (s *DirectStore) Target(tx *gorm.DB, target *contenttypes.Entry, pks ...string) (*gorm.DB, error) {
	if target.ID() != s.target.ID() {
		return nil, fmt.Errorf("grants: %s only holds grants on %s, not %s", s.Table(), s.target.ContentType, target.ContentType)
	}
	if len(pks) == 0 {
		return tx, nil
	}
	values, err := target.ParsePKs(pks)
	if err != nil {
		return nil, err
	}
	return tx.Where(s.ObjectColumn()+" IN ?", values), nil
}

func (s *DirectStore) Get(ctx context.Context, db *gorm.DB, identityID string, permissionID uint, target *contenttypes.Entry, pk string) (Grant, bool, error) {
	tx, err := s.Target(s.identityScope(db, identityID, permissionID), target, pk)
	if err != nil {
		return Grant{}, false, err
	}
	return s.get(ctx, tx, s.read)
}

func (s *DirectStore) Insert(ctx context.Context, db *gorm.DB, target *contenttypes.Entry, grants []Grant) ([]Grant, error) {
	if target.ID() != s.target.ID() {
		return nil, fmt.Errorf("grants: %s only holds grants on %s, not %s", s.Table(), s.target.ContentType, target.ContentType)
	}

	rows := reflect.MakeSlice(reflect.SliceOf(reflect.PointerTo(s.schema.ModelType)), 0, len(grants))
	fieldType := s.object.FieldType
	for _, g := range grants {
		value, err := target.ParsePK(g.ObjectPK)
		if err != nil {
			return nil, err
		}
		pk := reflect.ValueOf(value)
		if !pk.Type().ConvertibleTo(fieldType) {
			return nil, fmt.Errorf("grants: cannot store %T in %s.%s", value, s.Table(), s.object.DBName)
		}
		rv := s.newRecord(g)
		rv.Elem().FieldByName(directObjectField).Set(pk.Convert(fieldType))
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

func (s *DirectStore) Records(ctx context.Context, tx *gorm.DB) ([]Grant, error) {
	return s.load(ctx, tx.Model(s.NewModel()), s.read)
}

func (s *DirectStore) read(rv reflect.Value) Grant {
	g := s.grantOf(rv)
	g.ContentTypeID = s.target.ID()
	g.ObjectPK = fmt.Sprint(reflect.Indirect(rv).FieldByName(directObjectField).Interface())
	return g
}
