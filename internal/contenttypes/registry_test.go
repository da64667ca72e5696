package contenttypes_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/rowguard/internal/cache"
	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/database/testutil"
	"github.com/charlesng35/rowguard/internal/models"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
)

func newRegistry(t *testing.T, opts ...contenttypes.Option) *contenttypes.Registry {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithFixtures())
	registry, err := contenttypes.NewRegistry(db, opts...)
	require.NoError(t, err)
	return registry
}

func TestRegisterCreatesContentTypeAndPermissions(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &testutil.Widget{}, testutil.Article{}))
	// A second registration is a no-op.
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}))

	widget, err := registry.ForModel([]*testutil.Widget{})
	require.NoError(t, err)
	require.Equal(t, "inventory.widget", widget.ContentType.String())
	require.Equal(t, "widgets", widget.Table())
	require.Equal(t, "widgets.id", widget.QualifiedPK())
	require.True(t, widget.NumericPK())

	article, err := registry.ByNaturalKey("blog.article")
	require.NoError(t, err)
	require.False(t, article.NumericPK())

	codenames, err := registry.Codenames(ctx, article.ID())
	require.NoError(t, err)
	require.Equal(t, []string{"add_article", "change_article", "delete_article", "publish_article", "view_article"}, codenames)

	var count int64
	require.NoError(t, registry.DB().Model(&models.ContentType{}).Count(&count).Error)
	require.EqualValues(t, 2, count)

	byID, err := registry.ByID(widget.ID())
	require.NoError(t, err)
	require.Same(t, widget, byID)
	require.Len(t, registry.Entries(), 2)
}

func TestDefaultAppLabel(t *testing.T) {
	type Gadget struct {
		ID uint
	}
	registry := newRegistry(t, contenttypes.WithDefaultAppLabel("shop"), contenttypes.WithDefaultAppLabel(" "))
	require.NoError(t, registry.DB().AutoMigrate(&Gadget{}))
	require.NoError(t, registry.Register(context.Background(), &Gadget{}))

	entry, err := registry.ForModel(Gadget{})
	require.NoError(t, err)
	require.Equal(t, "shop.gadget", entry.ContentType.String())
}

func TestForModelUnregistered(t *testing.T) {
	registry := newRegistry(t)

	_, err := registry.ForModel(&testutil.Document{})
	require.ErrorIs(t, err, apperrors.ErrUnregisteredModel)
	_, err = registry.ByID(99)
	require.ErrorIs(t, err, apperrors.ErrUnregisteredModel)
	_, err = registry.ByNaturalKey("nope.nothing")
	require.ErrorIs(t, err, apperrors.ErrUnregisteredModel)
}

func TestEntryPK(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}, &testutil.Article{}))

	widget, err := registry.ForModel(testutil.Widget{})
	require.NoError(t, err)

	_, persisted, err := widget.PK(ctx, &testutil.Widget{})
	require.NoError(t, err)
	require.False(t, persisted)

	pk, persisted, err := widget.PK(ctx, testutil.Widget{ID: 42})
	require.NoError(t, err)
	require.True(t, persisted)
	require.Equal(t, "42", pk)

	value, err := widget.ParsePK("42")
	require.NoError(t, err)
	require.Equal(t, uint64(42), value)
	_, err = widget.ParsePK("abc")
	require.Error(t, err)

	_, _, err = widget.PK(ctx, &testutil.Article{})
	require.Error(t, err)
	var nilWidget *testutil.Widget
	_, _, err = widget.PK(ctx, nilWidget)
	require.Error(t, err)

	article, err := registry.ForModel(testutil.Article{})
	require.NoError(t, err)
	pk, persisted, err = article.PK(ctx, testutil.Article{BaseModel: models.BaseModel{ID: "a-1"}})
	require.NoError(t, err)
	require.True(t, persisted)
	require.Equal(t, "a-1", pk)
	require.True(t, article.Holds(&testutil.Article{}))
	require.False(t, article.Holds(testutil.Widget{}))
}

func TestResolvePermission(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}, &testutil.Article{}))

	widget, err := registry.ForModel(testutil.Widget{})
	require.NoError(t, err)
	article, err := registry.ForModel(testutil.Article{})
	require.NoError(t, err)

	perm, err := registry.ResolvePermission(ctx, "change_widget", widget)
	require.NoError(t, err)
	require.Equal(t, widget.ID(), perm.ContentTypeID)

	qualified, err := registry.ResolvePermission(ctx, "inventory.change_widget", widget)
	require.NoError(t, err)
	require.Equal(t, perm.ID, qualified.ID)

	_, err = registry.ResolvePermission(ctx, perm, article)
	require.ErrorIs(t, err, apperrors.ErrInvalidGrant)
	_, err = registry.ResolvePermission(ctx, "blog.change_widget", widget)
	require.ErrorIs(t, err, apperrors.ErrInvalidGrant)
	_, err = registry.ResolvePermission(ctx, "change_widget", article)
	require.ErrorIs(t, err, apperrors.ErrPermissionNotFound)
	_, err = registry.ResolvePermission(ctx, &models.Permission{Codename: "x"}, widget)
	require.ErrorIs(t, err, apperrors.ErrPermissionNotFound)
	_, err = registry.ResolvePermission(ctx, 7, widget)
	require.Error(t, err)

	app, codename := contenttypes.SplitPermission(" blog.publish_article ")
	require.Equal(t, "blog", app)
	require.Equal(t, "publish_article", codename)
}

func TestPermsForModel(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}))

	widget, err := registry.ForModel(testutil.Widget{})
	require.NoError(t, err)

	for _, key := range []any{"inventory.widget", widget.ContentType, &widget.ContentType, &testutil.Widget{}} {
		perms, err := registry.PermsForModel(ctx, key)
		require.NoError(t, err)
		require.Len(t, perms, 4)
	}

	perms, err := registry.PermissionsByAppCodename(ctx, "inventory", "view_widget")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, "widget", perms[0].ContentType.Model)
}

func TestPermissionLookupsUseCache(t *testing.T) {
	store := cache.NewMemoryStore(16, time.Hour)
	registry := newRegistry(t, contenttypes.WithPermissionCache(contenttypes.NewPermissionCache(store, time.Hour)))
	ctx := context.Background()
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}))

	widget, err := registry.ForModel(testutil.Widget{})
	require.NoError(t, err)

	perm, err := registry.Permission(ctx, widget.ID(), "view_widget")
	require.NoError(t, err)

	// Rename behind the registry's back; the cached copy is still served.
	require.NoError(t, registry.DB().Model(&models.Permission{}).Where("id = ?", perm.ID).Update("name", "renamed").Error)
	cached, err := registry.Permission(ctx, widget.ID(), "view_widget")
	require.NoError(t, err)
	require.Equal(t, perm.Name, cached.Name)

	_, err = registry.Permission(ctx, widget.ID(), "missing")
	require.ErrorIs(t, err, apperrors.ErrPermissionNotFound)
}
