package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	testutil "github.com/charlesng35/rowguard/internal/database/testutil"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
)

type fixedClock struct {
	current time.Time
}

func (c fixedClock) Now() time.Time {
	return c.current
}

type recordingNotifier struct {
	soon    []grants.Grant
	expired []grants.Grant
	err     error
}

func (n *recordingNotifier) ExpiringSoon(_ context.Context, g grants.Grant) error {
	if n.err != nil {
		return n.err
	}
	n.soon = append(n.soon, g)
	return nil
}

func (n *recordingNotifier) Expired(_ context.Context, g grants.Grant) error {
	n.expired = append(n.expired, g)
	return nil
}

func setupAdapter(t *testing.T) (*gorm.DB, *grants.Adapter) {
	t.Helper()
	ctx := context.Background()

	db := testutil.MustOpenTestDB(t, testutil.WithFixtures())
	registry, err := contenttypes.NewRegistry(db)
	require.NoError(t, err)
	require.NoError(t, registry.Register(ctx, &testutil.Widget{}, &testutil.Document{}))

	adapter, err := grants.NewAdapter(db, registry)
	require.NoError(t, err)
	require.NoError(t, adapter.RegisterDirect(ctx, testutil.DirectGrantFixtures()...))
	return db, adapter
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, IsActive: true}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedGrant(t *testing.T, adapter *grants.Adapter, kind identity.Kind, identityID string, target any, pk, codename string, expiry *time.Time) {
	t.Helper()
	ctx := context.Background()
	entry, err := adapter.Registry().ForModel(target)
	require.NoError(t, err)
	perm, err := adapter.Registry().Permission(ctx, entry.ID(), codename)
	require.NoError(t, err)
	_, err = adapter.StoreFor(kind, entry).Insert(ctx, adapter.DB(), entry, []grants.Grant{{
		IdentityID:   identityID,
		PermissionID: perm.ID,
		Codename:     codename,
		ObjectPK:     pk,
		Expiry:       expiry,
	}})
	require.NoError(t, err)
}

func at(ts time.Time) *time.Time { return &ts }

func TestCleanOrphanObjPerms(t *testing.T) {
	db, adapter := setupAdapter(t)
	ctx := context.Background()

	user := seedUser(t, db, "orphan-user")
	group := &models.Group{Name: "orphan-group"}
	require.NoError(t, db.Create(group).Error)

	widgets := []testutil.Widget{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	require.NoError(t, db.Create(&widgets).Error)

	for _, pk := range []string{"1", "2", "3", "99"} {
		seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, pk, "view_widget", nil)
	}
	seedGrant(t, adapter, identity.KindGroup, group.ID, testutil.Widget{}, "2", "change_widget", nil)
	seedGrant(t, adapter, identity.KindGroup, group.ID, testutil.Widget{}, "3", "change_widget", nil)

	require.NoError(t, db.Delete(&widgets[1]).Error)

	deleted, err := CleanOrphanObjPerms(ctx, adapter, 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, deleted)

	var userPKs []string
	require.NoError(t, db.Model(&models.UserObjectPermission{}).Order("object_pk").Pluck("object_pk", &userPKs).Error)
	require.Equal(t, []string{"1", "3"}, userPKs)

	var groupPKs []string
	require.NoError(t, db.Model(&models.GroupObjectPermission{}).Pluck("object_pk", &groupPKs).Error)
	require.Equal(t, []string{"3"}, groupPKs)

	again, err := CleanOrphanObjPerms(ctx, adapter, 0)
	require.NoError(t, err)
	require.Zero(t, again)
}

func TestCleanOrphanObjPermsRequiresAdapter(t *testing.T) {
	_, err := CleanOrphanObjPerms(context.Background(), nil, 10)
	require.Error(t, err)
}

func TestScanExpiryNotices(t *testing.T) {
	db, adapter := setupAdapter(t)
	ctx := context.Background()
	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}

	user := seedUser(t, db, "expiring-user")
	group := &models.Group{Name: "expiring-group"}
	require.NoError(t, db.Create(group).Error)
	docs := []testutil.Document{{Title: "a"}, {Title: "b"}}
	require.NoError(t, db.Create(&docs).Error)

	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, "1", "view_widget", at(clock.Now().Add(10*24*time.Hour)))
	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, "2", "view_widget", at(clock.Now().Add(-time.Hour)))
	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, "3", "view_widget", at(clock.Now().Add(60*24*time.Hour)))
	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, "4", "view_widget", nil)
	seedGrant(t, adapter, identity.KindGroup, group.ID, testutil.Document{}, "1", "view_document", at(clock.Now().Add(24*time.Hour)))

	notifier := &recordingNotifier{}
	stats, err := ScanExpiryNotices(ctx, adapter, notifier, clock.Now())
	require.NoError(t, err)
	require.Equal(t, NoticeStats{ExpiringSoon: 2, Expired: 1}, stats)
	require.Len(t, notifier.expired, 1)
	require.Equal(t, "2", notifier.expired[0].ObjectPK)
	require.Equal(t, "view_widget", notifier.expired[0].Codename)

	var soonFlags []bool
	require.NoError(t, db.Model(&models.UserObjectPermission{}).Order("object_pk").
		Pluck("expiry_notice_30day_sent", &soonFlags).Error)
	require.Equal(t, []bool{true, false, false, false}, soonFlags)

	var doc testutil.DocumentGroupObjectPermission
	require.NoError(t, db.First(&doc).Error)
	require.True(t, doc.ExpiryNotice30DaySent)
	require.False(t, doc.ExpiryNotice0DaySent)

	stats, err = ScanExpiryNotices(ctx, adapter, notifier, clock.Now())
	require.NoError(t, err)
	require.Zero(t, stats.ExpiringSoon+stats.Expired)
}

func TestScanExpiryNoticesRetriesFailedNotices(t *testing.T) {
	db, adapter := setupAdapter(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)

	user := seedUser(t, db, "retry-user")
	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, "1", "view_widget", at(now.Add(time.Hour)))

	failing := &recordingNotifier{err: errors.New("smtp down")}
	stats, err := ScanExpiryNotices(ctx, adapter, failing, now)
	require.ErrorContains(t, err, "smtp down")
	require.Zero(t, stats.ExpiringSoon)

	stats, err = ScanExpiryNotices(ctx, adapter, &recordingNotifier{}, now)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ExpiringSoon)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	g := grants.Grant{Kind: identity.KindGroup, IdentityID: "g-1", Codename: "view_widget", ObjectPK: "7", Expiry: at(time.Now())}
	require.NoError(t, n.ExpiringSoon(context.Background(), g))
	require.NoError(t, n.Expired(context.Background(), g))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "object permission expires soon", entries[0].Message)
	require.Equal(t, "group:g-1", entries[0].ContextMap()["identity"])
	require.Equal(t, "object permission expired", entries[1].Message)
}

func TestCleanerRunOnce(t *testing.T) {
	db, adapter := setupAdapter(t)
	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}

	user := seedUser(t, db, "cleanup-user")
	doc := &testutil.Document{Title: "kept"}
	require.NoError(t, db.Create(doc).Error)
	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Widget{}, "42", "view_widget", nil)
	seedGrant(t, adapter, identity.KindUser, user.ID, testutil.Document{}, "1", "view_document", at(clock.Now().Add(-time.Minute)))

	notifier := &recordingNotifier{}
	cleaner := NewCleaner(adapter,
		WithNow(clock.Now),
		WithNotifier(notifier),
		WithBatchSize(1),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining int64
	require.NoError(t, db.Model(&models.UserObjectPermission{}).Count(&remaining).Error)
	require.Zero(t, remaining)
	require.Len(t, notifier.expired, 1)

	require.NoError(t, cleaner.Start())
	<-cleaner.Stop().Done()

	bad := NewCleaner(adapter, WithOrphanSchedule("not a schedule"))
	require.Error(t, bad.Start())

	require.NoError(t, NewCleaner(nil).RunOnce(context.Background()))
	require.NoError(t, NewCleaner(nil).Start())
}
