package contenttypes

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"gorm.io/gorm/schema"

	"github.com/charlesng35/rowguard/internal/models"
)

// Entry binds a content type row to the gorm schema of its model.
type Entry struct {
	ContentType models.ContentType
	Schema      *schema.Schema

	primary *schema.Field
}

// ID returns the content type id.
func (e *Entry) ID() uint { return e.ContentType.ID }

// Table returns the model's table name.
func (e *Entry) Table() string { return e.Schema.Table }

// PKColumn returns the primary key column name.
func (e *Entry) PKColumn() string { return e.primary.DBName }

// QualifiedPK returns "table.pk" for use in hand written conditions.
func (e *Entry) QualifiedPK() string { return e.Schema.Table + "." + e.primary.DBName }

// NumericPK reports whether the primary key is an integer column.
func (e *Entry) NumericPK() bool {
	return e.primary.DataType == schema.Int || e.primary.DataType == schema.Uint
}

// ModelType returns the struct type of the model.
func (e *Entry) ModelType() reflect.Type { return e.Schema.ModelType }

// New returns a pointer to a zero model value.
func (e *Entry) New() any {
	return reflect.New(e.Schema.ModelType).Interface()
}

// NewSlice returns a pointer to an empty slice of model values.
func (e *Entry) NewSlice() any {
	return reflect.New(reflect.SliceOf(e.Schema.ModelType)).Interface()
}

// Holds reports whether obj is a value of, or pointer to, the entry's model.
func (e *Entry) Holds(obj any) bool {
	t := reflect.TypeOf(obj)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t == e.Schema.ModelType
}

// PK returns obj's primary key as a string and whether obj has been persisted
// (a zero primary key means it has not).
func (e *Entry) PK(ctx context.Context, obj any) (string, bool, error) {
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false, fmt.Errorf("content types: nil %s", e.ContentType)
		}
		rv = rv.Elem()
	}
	if rv.Type() != e.Schema.ModelType {
		return "", false, fmt.Errorf("content types: %s is not a %s", rv.Type(), e.ContentType)
	}

	value, zero := e.primary.ValueOf(ctx, rv)
	if zero {
		return "", false, nil
	}
	return formatPK(value), true, nil
}

// ParsePK converts a stored string key back to the primary key's Go type.
func (e *Entry) ParsePK(pk string) (any, error) {
	switch e.primary.DataType {
	case schema.Int:
		v, err := strconv.ParseInt(pk, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("content types: %s primary key %q: %w", e.ContentType, pk, err)
		}
		return v, nil
	case schema.Uint:
		v, err := strconv.ParseUint(pk, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("content types: %s primary key %q: %w", e.ContentType, pk, err)
		}
		return v, nil
	default:
		return pk, nil
	}
}

// ParsePKs converts a batch of keys, skipping none.
func (e *Entry) ParsePKs(pks []string) ([]any, error) {
	out := make([]any, 0, len(pks))
	for _, pk := range pks {
		v, err := e.ParsePK(pk)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func formatPK(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
