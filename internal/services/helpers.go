package services

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
)

func normaliseStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func containsString(values []string, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, value := range values {
		if strings.TrimSpace(value) == target {
			return true
		}
	}
	return false
}

// isCollection reports whether value is a slice, an array or a query.
func isCollection(value any) bool {
	if _, ok := value.(*gorm.DB); ok {
		return true
	}
	if _, ok := value.([]byte); ok {
		return false
	}
	rv := reflect.ValueOf(value)
	return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
}

// materialise loads a query target into a slice of its model; slices are
// returned unchanged.
func materialise(ctx context.Context, registry *contenttypes.Registry, value any) (any, error) {
	q, ok := value.(*gorm.DB)
	if !ok {
		return value, nil
	}
	if q.Statement == nil || q.Statement.Model == nil {
		return nil, apperrors.ErrAmbiguousType.Withf("query has no model")
	}
	entry, err := registry.ForModel(q.Statement.Model)
	if err != nil {
		return nil, err
	}
	rows := entry.NewSlice()
	if err := q.WithContext(ctx).Find(rows).Error; err != nil {
		return nil, fmt.Errorf("load %s: %w", entry.ContentType, err)
	}
	return reflect.ValueOf(rows).Elem().Interface(), nil
}

// each calls fn for every element of a slice or array.
func each(values any, fn func(any) error) error {
	rv := reflect.ValueOf(values)
	for i := 0; i < rv.Len(); i++ {
		if err := fn(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func utcNow() time.Time { return time.Now().UTC() }

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
