package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/rowguard/internal/database/testutil"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
)

func TestResolveAcceptsEachKind(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	resolver, err := identity.NewResolver(db, "")
	require.NoError(t, err)
	ctx := context.Background()

	user := models.User{BaseModel: models.BaseModel{ID: "u1"}, Username: "joe"}
	group := models.Group{BaseModel: models.BaseModel{ID: "g1"}, Name: "editors"}
	org := models.Organization{BaseModel: models.BaseModel{ID: "o1"}, Name: "acme"}

	cases := []struct {
		name  string
		value any
		kind  identity.Kind
		id    string
	}{
		{"user pointer", &user, identity.KindUser, "u1"},
		{"user value", user, identity.KindUser, "u1"},
		{"group pointer", &group, identity.KindGroup, "g1"},
		{"group value", group, identity.KindGroup, "g1"},
		{"organization pointer", &org, identity.KindOrganization, "o1"},
		{"organization value", org, identity.KindOrganization, "o1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ident, err := resolver.Resolve(ctx, tc.value)
			require.NoError(t, err)
			require.Equal(t, tc.kind, ident.Kind())
			require.Equal(t, tc.id, ident.ID())
		})
	}
}

func TestResolveRejectsOtherValues(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	resolver, err := identity.NewResolver(db, "")
	require.NoError(t, err)

	for _, value := range []any{nil, "joe", 42, (*models.User)(nil), &models.Permission{}} {
		_, err := resolver.Resolve(context.Background(), value)
		require.ErrorIs(t, err, apperrors.ErrIdentityKind)
	}
}

func TestResolveAnonymousUser(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	resolver, err := identity.NewResolver(db, "nobody")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = resolver.Resolve(ctx, identity.AnonymousUser{})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	created, err := identity.EnsureAnonymousUser(ctx, db, resolver.AnonymousUserName())
	require.NoError(t, err)
	again, err := identity.EnsureAnonymousUser(ctx, db, "nobody")
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)

	ident, err := resolver.Resolve(ctx, &identity.AnonymousUser{})
	require.NoError(t, err)
	require.Equal(t, identity.KindUser, ident.Kind())
	require.Equal(t, created.ID, ident.ID())
	require.Equal(t, "nobody", ident.User.Username)
}

func TestResolveMany(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	resolver, err := identity.NewResolver(db, "")
	require.NoError(t, err)
	ctx := context.Background()

	users := []models.User{
		{BaseModel: models.BaseModel{ID: "a"}},
		{BaseModel: models.BaseModel{ID: "b"}},
	}
	idents, err := resolver.ResolveMany(ctx, users)
	require.NoError(t, err)
	require.Len(t, idents, 2)
	require.Equal(t, "b", idents[1].ID())

	_, err = resolver.ResolveMany(ctx, []any{&users[0], &models.Group{BaseModel: models.BaseModel{ID: "g"}}})
	require.ErrorIs(t, err, apperrors.ErrIdentityKind)

	single, err := resolver.ResolveMany(ctx, &users[0])
	require.NoError(t, err)
	require.Len(t, single, 1)

	require.True(t, identity.IsCollection(users))
	require.False(t, identity.IsCollection(&users[0]))
}

func TestIdentityFlags(t *testing.T) {
	active := identity.Identity{User: &models.User{IsActive: true, IsSuperuser: true}}
	require.True(t, active.IsSuperuser())
	require.False(t, active.IsInactiveUser())

	disabled := identity.Identity{User: &models.User{IsActive: false, IsSuperuser: true}}
	require.False(t, disabled.IsSuperuser())
	require.True(t, disabled.IsInactiveUser())

	group := identity.Identity{Group: &models.Group{}}
	require.False(t, group.IsSuperuser())
	require.Equal(t, "group", group.Kind().String())
}
