package identity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/models"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
)

// DefaultAnonymousUserName is the username the anonymous sentinel maps to.
const DefaultAnonymousUserName = "AnonymousUser"

// Resolver normalises the values callers pass as "who" into an Identity.
type Resolver struct {
	db            *gorm.DB
	anonymousName string
}

// NewResolver constructs a resolver; an empty anonymousName uses DefaultAnonymousUserName.
func NewResolver(db *gorm.DB, anonymousName string) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("identity resolver: db is required")
	}
	anonymousName = strings.TrimSpace(anonymousName)
	if anonymousName == "" {
		anonymousName = DefaultAnonymousUserName
	}
	return &Resolver{db: db, anonymousName: anonymousName}, nil
}

// AnonymousUserName returns the configured username of the anonymous user.
func (r *Resolver) AnonymousUserName() string { return r.anonymousName }

// Resolve accepts users, groups and organizations (values or pointers) and the
// AnonymousUser sentinel. Only the sentinel touches the database.
func (r *Resolver) Resolve(ctx context.Context, value any) (Identity, error) {
	switch v := value.(type) {
	case Identity:
		if v.Kind() == 0 {
			return Identity{}, apperrors.ErrIdentityKind.Withf("empty identity")
		}
		return v, nil
	case *models.User:
		if v == nil {
			break
		}
		return Identity{User: v}, nil
	case models.User:
		return Identity{User: &v}, nil
	case *models.Group:
		if v == nil {
			break
		}
		return Identity{Group: v}, nil
	case models.Group:
		return Identity{Group: &v}, nil
	case *models.Organization:
		if v == nil {
			break
		}
		return Identity{Organization: v}, nil
	case models.Organization:
		return Identity{Organization: &v}, nil
	case AnonymousUser, *AnonymousUser:
		user, err := r.AnonymousUser(ctx)
		if err != nil {
			return Identity{}, err
		}
		return Identity{User: user}, nil
	}
	return Identity{}, apperrors.ErrIdentityKind.Withf("got %T", value)
}

var identityType = reflect.TypeOf(Identity{})

// ResolveMany resolves every element of a slice. All identities must share
// one kind.
func (r *Resolver) ResolveMany(ctx context.Context, values any) ([]Identity, error) {
	rv := reflect.ValueOf(values)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		ident, err := r.Resolve(ctx, values)
		if err != nil {
			return nil, err
		}
		return []Identity{ident}, nil
	}

	out := make([]Identity, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i)
		if elem.CanAddr() && elem.Kind() == reflect.Struct && elem.Type() != identityType {
			elem = elem.Addr()
		}
		ident, err := r.Resolve(ctx, elem.Interface())
		if err != nil {
			return nil, err
		}
		if len(out) > 0 && ident.Kind() != out[0].Kind() {
			return nil, apperrors.ErrIdentityKind.Withf("mixed %s and %s identities", out[0].Kind(), ident.Kind())
		}
		out = append(out, ident)
	}
	return out, nil
}

// IsCollection reports whether value is a slice of identities rather than one.
func IsCollection(value any) bool {
	if value == nil {
		return false
	}
	kind := reflect.TypeOf(value).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

// AnonymousUser loads the persisted anonymous user.
func (r *Resolver) AnonymousUser(ctx context.Context) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ensureContext(ctx)).Where("username = ?", r.anonymousName).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.Withf("anonymous user %q does not exist", r.anonymousName)
	}
	if err != nil {
		return nil, fmt.Errorf("identity resolver: load anonymous user: %w", err)
	}
	return &user, nil
}

// EnsureAnonymousUser creates the anonymous user when it is missing.
func EnsureAnonymousUser(ctx context.Context, db *gorm.DB, name string) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultAnonymousUserName
	}
	var user models.User
	err := db.WithContext(ensureContext(ctx)).
		Where(models.User{Username: name}).
		Attrs(models.User{IsActive: true}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, fmt.Errorf("identity resolver: ensure anonymous user: %w", err)
	}
	return &user, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
