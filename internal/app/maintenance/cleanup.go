package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/pkg/logger"
	"github.com/charlesng35/rowguard/pkg/metrics"
)

const (
	defaultOrphanSpec = "@daily"
	defaultNoticeSpec = "@hourly"
	defaultBatchSize  = 500

	// NoticeWindow is how far ahead of expiry the first notice is sent.
	NoticeWindow = 30 * 24 * time.Hour
)

// Cleaner schedules the grant sweeps: removing grants whose target row is
// gone and flagging grants that are about to expire or have expired.
type Cleaner struct {
	adapter  *grants.Adapter
	notifier Notifier
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	batchSize      int
	orphanSchedule string
	noticeSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for expiry comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithNotifier replaces the logging notifier.
func WithNotifier(n Notifier) Option {
	return func(cleaner *Cleaner) {
		if n != nil {
			cleaner.notifier = n
		}
	}
}

// WithBatchSize bounds how many object keys the orphan sweep checks per query.
func WithBatchSize(size int) Option {
	return func(cleaner *Cleaner) {
		if size > 0 {
			cleaner.batchSize = size
		}
	}
}

// WithOrphanSchedule overrides the cron specification for the orphan sweep.
func WithOrphanSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.orphanSchedule = spec
		}
	}
}

// WithExpiryNoticeSchedule overrides the cron specification for the expiry scan.
func WithExpiryNoticeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.noticeSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil adapter
// disables every job.
func NewCleaner(adapter *grants.Adapter, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		adapter:        adapter,
		now:            func() time.Time { return time.Now().UTC() },
		batchSize:      defaultBatchSize,
		orphanSchedule: defaultOrphanSpec,
		noticeSchedule: defaultNoticeSpec,
		log:            logger.WithModule("maintenance"),
	}
	cleaner.notifier = NewLogNotifier(cleaner.log)

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

// Start registers the sweeps with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.adapter == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.orphanSchedule, func() {
		if _, err := CleanOrphanObjPerms(context.Background(), c.adapter, c.batchSize); err != nil {
			c.log.Warn("orphan grant sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance: schedule orphan sweep: %w", err)
	}

	if _, err := c.cron.AddFunc(c.noticeSchedule, func() {
		if _, err := ScanExpiryNotices(context.Background(), c.adapter, c.notifier, c.now()); err != nil {
			c.log.Warn("expiry notice scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance: schedule expiry scan: %w", err)
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes both sweeps sequentially.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.adapter == nil {
		return nil
	}

	var errs error
	if _, err := CleanOrphanObjPerms(ctx, c.adapter, c.batchSize); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := ScanExpiryNotices(ctx, c.adapter, c.notifier, c.now()); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// CleanOrphanObjPerms deletes generic grants whose target row no longer
// exists and returns how many were removed. Direct grant tables are skipped:
// their foreign key cascades deletes. Grants on content types not registered
// in this process cannot be checked and are left alone.
func CleanOrphanObjPerms(ctx context.Context, adapter *grants.Adapter, batchSize int) (int64, error) {
	if adapter == nil {
		return 0, errors.New("clean orphans: grant adapter is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	log := logger.WithModule("maintenance")
	db := adapter.DB().WithContext(ctx)
	registry := adapter.Registry()

	var (
		deleted int64
		errs    error
	)
	for _, kind := range identity.Kinds() {
		store := adapter.Generic(kind)

		var contentTypeIDs []uint
		if err := db.Model(store.NewModel()).Distinct(store.ContentTypeColumn()).Pluck(store.ContentTypeColumn(), &contentTypeIDs).Error; err != nil {
			errs = multierr.Append(errs, fmt.Errorf("clean orphans: %s: %w", store.Table(), err))
			continue
		}

		for _, contentTypeID := range contentTypeIDs {
			entry, err := registry.ByID(contentTypeID)
			if err != nil {
				log.Warn("skipping grants on unregistered content type",
					zap.String("table", store.Table()),
					zap.Uint("content_type_id", contentTypeID))
				continue
			}

			var pks []string
			err = db.Model(store.NewModel()).
				Where(store.ContentTypeColumn()+" = ?", contentTypeID).
				Distinct(store.ObjectColumn()).
				Pluck(store.ObjectColumn(), &pks).Error
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("clean orphans: %s: %w", store.Table(), err))
				continue
			}

			for start := 0; start < len(pks); start += batchSize {
				end := min(start+batchSize, len(pks))
				n, err := deleteOrphans(ctx, adapter, store, entry, pks[start:end])
				if err != nil {
					errs = multierr.Append(errs, err)
					break
				}
				deleted += n
			}
		}
	}

	metrics.MaintenanceRows.WithLabelValues("orphans").Add(float64(deleted))
	log.Info("removed orphan object permissions", zap.Int64("count", deleted))
	return deleted, errs
}

func deleteOrphans(ctx context.Context, adapter *grants.Adapter, store *grants.GenericStore, entry *contenttypes.Entry, pks []string) (int64, error) {
	values := make([]any, 0, len(pks))
	valid := make(map[string]struct{}, len(pks))
	var missing []string
	for _, pk := range pks {
		v, err := entry.ParsePK(pk)
		if err != nil {
			// A key that cannot be a primary key of the target never matches a row.
			missing = append(missing, pk)
			continue
		}
		values = append(values, v)
		valid[pk] = struct{}{}
	}

	db := adapter.DB().WithContext(ctx)
	if len(values) > 0 {
		var existing []string
		err := db.Table(entry.Table()).
			Where(entry.QualifiedPK()+" IN ?", values).
			Pluck(entry.QualifiedPK(), &existing).Error
		if err != nil {
			return 0, fmt.Errorf("clean orphans: read %s: %w", entry.Table(), err)
		}
		for _, pk := range existing {
			delete(valid, pk)
		}
		for pk := range valid {
			missing = append(missing, pk)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	res := db.Where(store.ContentTypeColumn()+" = ?", entry.ID()).
		Where(store.ObjectColumn()+" IN ?", missing).
		Delete(store.NewModel())
	if res.Error != nil {
		return 0, fmt.Errorf("clean orphans: delete from %s: %w", store.Table(), res.Error)
	}
	return res.RowsAffected, nil
}

// NoticeStats counts the grants flagged by ScanExpiryNotices.
type NoticeStats struct {
	ExpiringSoon int
	Expired      int
}

// ScanExpiryNotices sends a notice for every grant expiring within
// NoticeWindow and for every grant that has expired, then sets the
// matching sent flag so each notice goes out once. A grant whose notice
// fails keeps its flag unset and is retried on the next scan.
func ScanExpiryNotices(ctx context.Context, adapter *grants.Adapter, notifier Notifier, now time.Time) (NoticeStats, error) {
	if adapter == nil {
		return NoticeStats{}, errors.New("expiry notices: grant adapter is required")
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger.WithModule("maintenance"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		stats NoticeStats
		errs  error
	)
	for _, store := range adapter.Stores() {
		expiry := store.ExpiryColumn()

		soon := adapter.DB().
			Where(fmt.Sprintf("%s IS NOT NULL AND %s > ? AND %s <= ?", expiry, expiry, expiry), now, now.Add(NoticeWindow)).
			Where(store.Column("expiry_notice_30day_sent")+" = ?", false)
		n, err := notify(ctx, adapter, store, soon, "expiry_notice_30day_sent", notifier.ExpiringSoon)
		stats.ExpiringSoon += n
		errs = multierr.Append(errs, err)

		expired := adapter.DB().
			Where(fmt.Sprintf("%s IS NOT NULL AND %s <= ?", expiry, expiry), now).
			Where(store.Column("expiry_notice_0day_sent")+" = ?", false)
		n, err = notify(ctx, adapter, store, expired, "expiry_notice_0day_sent", notifier.Expired)
		stats.Expired += n
		errs = multierr.Append(errs, err)
	}

	metrics.MaintenanceRows.WithLabelValues("expiry_notices").Add(float64(stats.ExpiringSoon + stats.Expired))
	return stats, errs
}

func notify(ctx context.Context, adapter *grants.Adapter, store grants.Store, tx *gorm.DB, flag string, send func(context.Context, grants.Grant) error) (int, error) {
	pending, err := store.Records(ctx, tx)
	if err != nil {
		return 0, err
	}

	var (
		sent []uint
		errs error
	)
	for _, g := range pending {
		if err := send(ctx, g); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expiry notices: grant %d in %s: %w", g.ID, store.Table(), err))
			continue
		}
		sent = append(sent, g.ID)
	}
	if len(sent) == 0 {
		return 0, errs
	}

	err = adapter.DB().WithContext(ctx).
		Model(store.NewModel()).
		Where("id IN ?", sent).
		Update(flag, true).Error
	if err != nil {
		return 0, multierr.Append(errs, fmt.Errorf("expiry notices: flag %s in %s: %w", flag, store.Table(), err))
	}
	return len(sent), errs
}
