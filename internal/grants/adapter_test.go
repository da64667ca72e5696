package grants_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/database/testutil"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
)

type env struct {
	db       *gorm.DB
	registry *contenttypes.Registry
	adapter  *grants.Adapter
	widget   *contenttypes.Entry
	document *contenttypes.Entry
}

func setupAdapter(t *testing.T) env {
	t.Helper()
	ctx := context.Background()

	db := testutil.MustOpenTestDB(t, testutil.WithFixtures())
	registry, err := contenttypes.NewRegistry(db)
	require.NoError(t, err)
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}, &testutil.Article{}))

	adapter, err := grants.NewAdapter(db, registry)
	require.NoError(t, err)
	require.NoError(t, adapter.RegisterDirect(ctx, testutil.DirectGrantFixtures()...))

	widget, err := registry.ForModel(&testutil.Widget{})
	require.NoError(t, err)
	document, err := registry.ForModel(testutil.Document{})
	require.NoError(t, err)

	return env{db: db, registry: registry, adapter: adapter, widget: widget, document: document}
}

func TestStoreSelection(t *testing.T) {
	e := setupAdapter(t)

	require.Equal(t, grants.ShapeGeneric, e.adapter.StoreFor(identity.KindUser, e.widget).Shape())
	require.Equal(t, "user_object_permissions", e.adapter.StoreFor(identity.KindUser, e.widget).Table())

	userDocs := e.adapter.StoreFor(identity.KindUser, e.document)
	require.Equal(t, grants.ShapeDirect, userDocs.Shape())
	require.Equal(t, "document_user_object_permissions", userDocs.Table())
	require.Equal(t, "document_user_object_permissions.content_object_id", userDocs.ObjectColumn())

	// No direct organization table exists for documents.
	orgDocs := e.adapter.StoreFor(identity.KindOrganization, e.document)
	require.Equal(t, grants.ShapeGeneric, orgDocs.Shape())

	// The decision is cached and stable.
	require.Same(t, userDocs, e.adapter.StoreFor(identity.KindUser, e.document))
	require.Len(t, e.adapter.Stores(), 5)
}

func TestStoresDuringRegisterDirect(t *testing.T) {
	e := setupAdapter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.adapter.RegisterDirect(ctx, testutil.DocumentGroupObjectPermission{}))
		}()
		go func() {
			defer wg.Done()
			assert.Len(t, e.adapter.Stores(), 5)
		}()
	}
	wg.Wait()
}

type otherDocumentGrant struct {
	models.UserObjectPermissionBase
	ContentObjectID uint              `gorm:"not null;index:,unique,composite:object_grant,priority:3"`
	ContentObject   testutil.Document `gorm:"constraint:OnDelete:CASCADE"`
}

func (otherDocumentGrant) GrantTarget() any { return &testutil.Document{} }

type notAGrant struct {
	ID              uint
	ContentObjectID uint
}

func (notAGrant) GrantTarget() any { return &testutil.Widget{} }

func TestRegisterDirectRejectsConflicts(t *testing.T) {
	e := setupAdapter(t)
	ctx := context.Background()

	require.Error(t, e.adapter.RegisterDirect(ctx, otherDocumentGrant{}))
	require.Error(t, e.adapter.RegisterDirect(ctx, notAGrant{}))
	// Re-registering the same table is allowed.
	require.NoError(t, e.adapter.RegisterDirect(ctx, testutil.DocumentUserObjectPermission{}))
}

func TestGenericStoreRoundTrip(t *testing.T) {
	e := setupAdapter(t)
	ctx := context.Background()

	user := models.User{Username: "joe"}
	require.NoError(t, e.db.Create(&user).Error)
	widget := testutil.Widget{Name: "w"}
	require.NoError(t, e.db.Create(&widget).Error)
	perm, err := e.registry.Permission(ctx, e.widget.ID(), "change_widget")
	require.NoError(t, err)

	store := e.adapter.StoreFor(identity.KindUser, e.widget)
	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	created, err := store.Insert(ctx, e.db, e.widget, []grants.Grant{{
		IdentityID:   user.ID,
		PermissionID: perm.ID,
		Codename:     perm.Codename,
		ObjectPK:     "1",
		Expiry:       &expiry,
	}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NotZero(t, created[0].ID)
	require.Equal(t, e.widget.ID(), created[0].ContentTypeID)

	got, found, err := store.Get(ctx, e.db, user.ID, perm.ID, e.widget, "1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, created[0].ID, got.ID)
	require.Equal(t, "change_widget", got.Codename)
	require.True(t, expiry.Equal(*got.Expiry))

	_, found, err = store.Get(ctx, e.db, user.ID, perm.ID, e.widget, "2")
	require.NoError(t, err)
	require.False(t, found)

	got.Expiry = nil
	got.ExpiryNotice30DaySent = true
	require.NoError(t, store.SaveExpiry(ctx, e.db, got))

	tx, err := store.Target(e.db.Where(store.IdentityColumn()+" = ?", user.ID), e.widget)
	require.NoError(t, err)
	records, err := store.Records(ctx, tx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Nil(t, records[0].Expiry)
	require.True(t, records[0].ExpiryNotice30DaySent)
	require.Equal(t, "change_widget", records[0].Codename)
}

func TestDirectStoreRoundTrip(t *testing.T) {
	e := setupAdapter(t)
	ctx := context.Background()

	group := models.Group{Name: "editors"}
	require.NoError(t, e.db.Create(&group).Error)
	doc := testutil.Document{Title: "handbook"}
	require.NoError(t, e.db.Create(&doc).Error)
	perm, err := e.registry.Permission(ctx, e.document.ID(), "view_document")
	require.NoError(t, err)

	store := e.adapter.StoreFor(identity.KindGroup, e.document)
	pk, _, err := e.document.PK(ctx, &doc)
	require.NoError(t, err)

	created, err := store.Insert(ctx, e.db, e.document, []grants.Grant{{IdentityID: group.ID, PermissionID: perm.ID, ObjectPK: pk}})
	require.NoError(t, err)
	require.Equal(t, pk, created[0].ObjectPK)

	var row testutil.DocumentGroupObjectPermission
	require.NoError(t, e.db.First(&row, created[0].ID).Error)
	require.Equal(t, doc.ID, row.ContentObjectID)

	got, found, err := store.Get(ctx, e.db, group.ID, perm.ID, e.document, pk)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, e.document.ID(), got.ContentTypeID)
	require.Equal(t, "view_document", got.Codename)

	_, err = store.Insert(ctx, e.db, e.widget, []grants.Grant{{IdentityID: group.ID, PermissionID: perm.ID, ObjectPK: "1"}})
	require.Error(t, err)
}

func TestPermRowsAcrossMembership(t *testing.T) {
	e := setupAdapter(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := models.User{Username: "jane"}
	require.NoError(t, e.db.Create(&user).Error)
	group := models.Group{Name: "editors"}
	require.NoError(t, e.db.Create(&group).Error)
	require.NoError(t, e.db.Model(&group).Association("Users").Append(&user))
	view, err := e.registry.Permission(ctx, e.widget.ID(), "view_widget")
	require.NoError(t, err)
	change, err := e.registry.Permission(ctx, e.widget.ID(), "change_widget")
	require.NoError(t, err)

	expired := now.Add(-time.Hour)
	store := e.adapter.StoreFor(identity.KindGroup, e.widget)
	_, err = store.Insert(ctx, e.db, e.widget, []grants.Grant{
		{IdentityID: group.ID, PermissionID: view.ID, ObjectPK: "7"},
		{IdentityID: group.ID, PermissionID: change.ID, ObjectPK: "7", Expiry: &expired},
	})
	require.NoError(t, err)

	q, err := grants.PermRows(e.db, store, grants.Principal{MemberOf: user.ID}, grants.Filter{Target: e.widget}, now)
	require.NoError(t, err)
	var rows []grants.PermRow
	require.NoError(t, q.Scan(&rows).Error)
	require.Len(t, rows, 2)
	active := map[string]bool{}
	for _, row := range rows {
		require.Equal(t, "7", row.ObjectPK)
		active[row.Codename] = row.Active
	}
	require.Equal(t, map[string]bool{"view_widget": true, "change_widget": false}, active)

	q, err = grants.PermRows(e.db, store, grants.Principal{MemberOf: user.ID}, grants.Filter{Target: e.widget, ActiveAt: &now}, now)
	require.NoError(t, err)
	rows = nil
	require.NoError(t, q.Scan(&rows).Error)
	require.Len(t, rows, 1)

	_, err = grants.Scope(e.db, e.adapter.StoreFor(identity.KindUser, e.widget), grants.Principal{MemberOf: user.ID}, grants.Filter{Target: e.widget})
	require.Error(t, err)
}
