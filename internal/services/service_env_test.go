package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/database/testutil"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
)

type serviceEnv struct {
	db       *gorm.DB
	registry *contenttypes.Registry
	adapter  *grants.Adapter
	resolver *identity.Resolver
	svc      *PermissionService
}

func setupPermissionServiceTest(t *testing.T, opts ...ServiceOption) serviceEnv {
	t.Helper()
	ctx := context.Background()

	db := testutil.MustOpenTestDB(t, testutil.WithFixtures())
	registry, err := contenttypes.NewRegistry(db)
	require.NoError(t, err)
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}, &testutil.Article{}, &testutil.Document{}))

	adapter, err := grants.NewAdapter(db, registry)
	require.NoError(t, err)
	require.NoError(t, adapter.RegisterDirect(ctx, testutil.DirectGrantFixtures()...))

	resolver, err := identity.NewResolver(db, "")
	require.NoError(t, err)
	_, err = identity.EnsureAnonymousUser(ctx, db, "")
	require.NoError(t, err)

	svc, err := NewPermissionService(adapter, resolver, opts...)
	require.NoError(t, err)

	return serviceEnv{db: db, registry: registry, adapter: adapter, resolver: resolver, svc: svc}
}

func (e serviceEnv) user(t *testing.T, name string) *models.User {
	t.Helper()
	user := &models.User{Username: name, Email: name + "@example.com", IsActive: true}
	require.NoError(t, e.db.Create(user).Error)
	return user
}

func (e serviceEnv) superuser(t *testing.T, name string) *models.User {
	t.Helper()
	user := &models.User{Username: name, IsActive: true, IsSuperuser: true}
	require.NoError(t, e.db.Create(user).Error)
	return user
}

func (e serviceEnv) group(t *testing.T, name string, members ...*models.User) *models.Group {
	t.Helper()
	group := &models.Group{Name: name}
	require.NoError(t, e.db.Create(group).Error)
	for _, member := range members {
		require.NoError(t, e.db.Model(group).Association("Users").Append(member))
	}
	return group
}

func (e serviceEnv) organization(t *testing.T, slug string, members ...*models.User) *models.Organization {
	t.Helper()
	org := &models.Organization{Name: slug, Slug: slug}
	require.NoError(t, e.db.Create(org).Error)
	for _, member := range members {
		require.NoError(t, e.db.Model(org).Association("Users").Append(member))
	}
	return org
}

func (e serviceEnv) widgets(t *testing.T, n int) []testutil.Widget {
	t.Helper()
	out := make([]testutil.Widget, n)
	for i := range out {
		out[i] = testutil.Widget{Name: fmt.Sprintf("widget-%d", i+1)}
	}
	require.NoError(t, e.db.Create(&out).Error)
	return out
}

func (e serviceEnv) documents(t *testing.T, n int) []testutil.Document {
	t.Helper()
	out := make([]testutil.Document, n)
	for i := range out {
		out[i] = testutil.Document{Title: fmt.Sprintf("doc-%d", i+1)}
	}
	require.NoError(t, e.db.Create(&out).Error)
	return out
}

func (e serviceEnv) assign(t *testing.T, perm string, who any, target any, opts ...AssignOption) {
	t.Helper()
	_, err := e.svc.AssignPerm(context.Background(), perm, who, target, opts...)
	require.NoError(t, err)
}

func (e serviceEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}

// widgetIDs runs q and returns the ids of the widgets it selects.
func widgetIDs(t *testing.T, q *gorm.DB) []uint {
	t.Helper()
	var rows []testutil.Widget
	require.NoError(t, q.Order("widgets.id").Find(&rows).Error)
	ids := make([]uint, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}

func ts(h int) time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(h) * time.Hour)
}
