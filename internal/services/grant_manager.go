package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/permissions"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
	"github.com/charlesng35/rowguard/pkg/logger"
	"github.com/charlesng35/rowguard/pkg/metrics"
)

// AssignOption customises a grant write.
type AssignOption func(*assignOptions)

type assignOptions struct {
	renewal time.Duration
	notify  *bool
}

// WithRenewal extends the grant's expiry by period on every assignment.
func WithRenewal(period time.Duration) AssignOption {
	return func(o *assignOptions) {
		o.renewal = period
	}
}

// WithNotify controls whether expiry notices will be sent for the grant.
// Single assignments notify by default, bulk assignments do not.
func WithNotify(notify bool) AssignOption {
	return func(o *assignOptions) {
		o.notify = &notify
	}
}

func (o assignOptions) noticesSent(defaultNotify bool) bool {
	if o.notify == nil {
		return !defaultNotify
	}
	return !*o.notify
}

// ManagerOption customises a GrantManager.
type ManagerOption func(*GrantManager)

// WithManagerClock overrides the time source used for expiry calculation.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *GrantManager) {
		if now != nil {
			m.now = now
		}
	}
}

// GrantManager writes and removes object grants of one identity kind.
type GrantManager struct {
	adapter  *grants.Adapter
	registry *contenttypes.Registry
	resolver *identity.Resolver
	kind     identity.Kind
	now      func() time.Time
	log      *zap.Logger

	storeFor func(identity.Kind, *contenttypes.Entry) grants.Store
}

// NewGrantManager constructs a manager for grants held by kind identities.
func NewGrantManager(adapter *grants.Adapter, resolver *identity.Resolver, kind identity.Kind, opts ...ManagerOption) (*GrantManager, error) {
	if adapter == nil {
		return nil, errors.New("grant manager: grant adapter is required")
	}
	if resolver == nil {
		return nil, errors.New("grant manager: identity resolver is required")
	}
	if kind < identity.KindUser || kind > identity.KindOrganization {
		return nil, fmt.Errorf("grant manager: unknown identity kind %d", kind)
	}

	m := &GrantManager{
		adapter:  adapter,
		registry: adapter.Registry(),
		resolver: resolver,
		kind:     kind,
		now:      utcNow,
		log:      logger.WithModule("grants"),
		storeFor: adapter.StoreFor,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Kind returns the identity kind the manager writes grants for.
func (m *GrantManager) Kind() identity.Kind { return m.kind }

// AssignPerm grants perm on target, creating the grant when missing. With a
// renewal period the expiry is extended; both notice flags are reset to the
// negation of the notify option.
func (m *GrantManager) AssignPerm(ctx context.Context, perm any, who any, target any, opts ...AssignOption) (*grants.Grant, error) {
	ctx = ensureContext(ctx)
	var o assignOptions
	for _, opt := range opts {
		opt(&o)
	}

	id, err := m.identity(ctx, who)
	if err != nil {
		return nil, err
	}
	entry, pk, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	permission, err := m.registry.ResolvePermission(ctx, perm, entry)
	if err != nil {
		return nil, err
	}

	db := m.adapter.DB()
	store := m.storeFor(m.kind, entry)
	sent := o.noticesSent(true)

	grant, found, err := store.Get(ctx, db, id.ID(), permission.ID, entry, pk)
	if err != nil {
		return nil, fmt.Errorf("grant manager: %w", err)
	}
	if !found {
		created, err := store.Insert(ctx, db, entry, []grants.Grant{{
			IdentityID:            id.ID(),
			PermissionID:          permission.ID,
			Codename:              permission.Codename,
			ObjectPK:              pk,
			Expiry:                grants.CalculateExpiry(nil, o.renewal, m.now()),
			ExpiryNotice30DaySent: sent,
			ExpiryNotice0DaySent:  sent,
		}})
		if err == nil {
			metrics.GrantMutations.WithLabelValues(m.kind.String(), "create").Inc()
			m.log.Debug("granted object permission",
				zap.String("identity", id.String()),
				zap.String("permission", permission.Codename),
				zap.String("content_type", entry.ContentType.String()),
				zap.String("object_pk", pk))
			return &created[0], nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("grant manager: %w", err)
		}
		// Lost a race with a concurrent writer; the row exists now.
		grant, found, err = store.Get(ctx, db, id.ID(), permission.ID, entry, pk)
		if err != nil {
			return nil, fmt.Errorf("grant manager: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("grant manager: grant vanished after unique violation on %s", store.Table())
		}
	}

	expiry := grants.CalculateExpiry(grant.Expiry, o.renewal, m.now())
	if sameInstant(expiry, grant.Expiry) && grant.ExpiryNotice30DaySent == sent && grant.ExpiryNotice0DaySent == sent {
		return &grant, nil
	}
	grant.Expiry = expiry
	grant.ExpiryNotice30DaySent = sent
	grant.ExpiryNotice0DaySent = sent
	if err := store.SaveExpiry(ctx, db, grant); err != nil {
		return nil, fmt.Errorf("grant manager: %w", err)
	}
	metrics.GrantMutations.WithLabelValues(m.kind.String(), "renew").Inc()
	return &grant, nil
}

// BulkAssignPerm grants perm on every object of targets that the identity
// does not already hold it on, in one batch. Existing grants are left as they
// are. Holdings are read through a Checker, so permissions inherited from
// groups and organizations, or implied by superuser status, count as held.
func (m *GrantManager) BulkAssignPerm(ctx context.Context, perm any, who any, targets any, opts ...AssignOption) ([]grants.Grant, error) {
	ctx = ensureContext(ctx)
	var o assignOptions
	for _, opt := range opts {
		opt(&o)
	}

	id, err := m.identity(ctx, who)
	if err != nil {
		return nil, err
	}
	targets, err = materialise(ctx, m.registry, targets)
	if err != nil {
		return nil, err
	}
	if !isCollection(targets) {
		return nil, fmt.Errorf("grant manager: bulk assign expects a collection, got %T", targets)
	}
	if reflect.ValueOf(targets).Len() == 0 {
		return []grants.Grant{}, nil
	}

	entry, err := m.registry.ForModel(targets)
	if err != nil {
		return nil, err
	}
	permission, err := m.registry.ResolvePermission(ctx, perm, entry)
	if err != nil {
		return nil, err
	}

	checker, err := permissions.NewChecker(ctx, m.adapter.DB(), m.adapter, m.resolver, id)
	if err != nil {
		return nil, err
	}
	if _, err := checker.PrefetchPerms(ctx, targets); err != nil {
		return nil, err
	}

	expiry := grants.CalculateExpiry(nil, o.renewal, m.now())
	sent := o.noticesSent(false)
	seen := make(map[string]struct{})
	var pending []grants.Grant
	err = each(targets, func(obj any) error {
		pk, persisted, err := entry.PK(ctx, obj)
		if err != nil {
			return err
		}
		if !persisted {
			return apperrors.ErrTargetNotPersisted.Withf("%s", entry.ContentType)
		}
		if _, dup := seen[pk]; dup {
			return nil
		}
		seen[pk] = struct{}{}

		held, err := checker.GetPerms(ctx, obj)
		if err != nil {
			return err
		}
		if containsString(held, permission.Codename) {
			return nil
		}
		pending = append(pending, grants.Grant{
			IdentityID:            id.ID(),
			PermissionID:          permission.ID,
			Codename:              permission.Codename,
			ObjectPK:              pk,
			Expiry:                expiry,
			ExpiryNotice30DaySent: sent,
			ExpiryNotice0DaySent:  sent,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return []grants.Grant{}, nil
	}

	created, err := m.storeFor(m.kind, entry).Insert(ctx, m.adapter.DB(), entry, pending)
	if err != nil {
		return nil, fmt.Errorf("grant manager: %w", err)
	}
	metrics.GrantMutations.WithLabelValues(m.kind.String(), "create").Add(float64(len(created)))
	return created, nil
}

// AssignPermToMany grants perm on target to every identity in one batch. No
// existence check is made; duplicates are rejected by the unique index.
func (m *GrantManager) AssignPermToMany(ctx context.Context, perm any, whos any, target any, opts ...AssignOption) ([]grants.Grant, error) {
	ctx = ensureContext(ctx)
	var o assignOptions
	for _, opt := range opts {
		opt(&o)
	}

	ids, err := m.resolver.ResolveMany(ctx, whos)
	if err != nil {
		return nil, err
	}
	entry, pk, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	permission, err := m.registry.ResolvePermission(ctx, perm, entry)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []grants.Grant{}, nil
	}

	expiry := grants.CalculateExpiry(nil, o.renewal, m.now())
	sent := o.noticesSent(false)
	rows := make([]grants.Grant, 0, len(ids))
	for _, id := range ids {
		if id.Kind() != m.kind {
			return nil, apperrors.ErrIdentityKind.Withf("%s manager cannot grant to %s", m.kind, id.Kind())
		}
		rows = append(rows, grants.Grant{
			IdentityID:            id.ID(),
			PermissionID:          permission.ID,
			Codename:              permission.Codename,
			ObjectPK:              pk,
			Expiry:                expiry,
			ExpiryNotice30DaySent: sent,
			ExpiryNotice0DaySent:  sent,
		})
	}

	created, err := m.storeFor(m.kind, entry).Insert(ctx, m.adapter.DB(), entry, rows)
	if err != nil {
		return nil, fmt.Errorf("grant manager: %w", err)
	}
	metrics.GrantMutations.WithLabelValues(m.kind.String(), "create").Add(float64(len(created)))
	return created, nil
}

// RemovePerm deletes the identity's grant of perm on target. Rows are deleted
// in one statement, so model delete hooks do not run.
func (m *GrantManager) RemovePerm(ctx context.Context, perm any, who any, target any) (int64, error) {
	ctx = ensureContext(ctx)
	id, err := m.identity(ctx, who)
	if err != nil {
		return 0, err
	}
	entry, pk, err := m.target(ctx, target)
	if err != nil {
		return 0, err
	}
	return m.remove(ctx, perm, id, entry, []string{pk})
}

// BulkRemovePerm deletes the identity's grants of perm on every object of
// targets in one statement. Unsaved objects are ignored.
func (m *GrantManager) BulkRemovePerm(ctx context.Context, perm any, who any, targets any) (int64, error) {
	ctx = ensureContext(ctx)
	id, err := m.identity(ctx, who)
	if err != nil {
		return 0, err
	}
	targets, err = materialise(ctx, m.registry, targets)
	if err != nil {
		return 0, err
	}
	if !isCollection(targets) {
		return 0, fmt.Errorf("grant manager: bulk remove expects a collection, got %T", targets)
	}
	if reflect.ValueOf(targets).Len() == 0 {
		return 0, nil
	}
	entry, err := m.registry.ForModel(targets)
	if err != nil {
		return 0, err
	}

	var pks []string
	err = each(targets, func(obj any) error {
		pk, persisted, err := entry.PK(ctx, obj)
		if err != nil {
			return err
		}
		if persisted {
			pks = append(pks, pk)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(pks) == 0 {
		return 0, nil
	}
	return m.remove(ctx, perm, id, entry, pks)
}

func (m *GrantManager) remove(ctx context.Context, perm any, id identity.Identity, entry *contenttypes.Entry, pks []string) (int64, error) {
	permission, err := m.registry.ResolvePermission(ctx, perm, entry)
	if errors.Is(err, apperrors.ErrPermissionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	store := m.storeFor(m.kind, entry)
	tx := m.adapter.DB().WithContext(ctx).
		Where(store.IdentityColumn()+" = ?", id.ID()).
		Where(store.PermissionColumn()+" = ?", permission.ID)
	tx, err = store.Target(tx, entry, pks...)
	if err != nil {
		return 0, err
	}
	res := tx.Delete(store.NewModel())
	if res.Error != nil {
		return 0, fmt.Errorf("grant manager: delete from %s: %w", store.Table(), res.Error)
	}
	metrics.GrantMutations.WithLabelValues(m.kind.String(), "delete").Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

func (m *GrantManager) identity(ctx context.Context, who any) (identity.Identity, error) {
	id, err := m.resolver.Resolve(ctx, who)
	if err != nil {
		return identity.Identity{}, err
	}
	if id.Kind() != m.kind {
		return identity.Identity{}, apperrors.ErrIdentityKind.Withf("%s manager cannot grant to %s", m.kind, id.Kind())
	}
	return id, nil
}

func (m *GrantManager) target(ctx context.Context, target any) (*contenttypes.Entry, string, error) {
	if target == nil {
		return nil, "", apperrors.ErrTargetNotPersisted.Withf("no target given")
	}
	entry, err := m.registry.ForModel(target)
	if err != nil {
		return nil, "", err
	}
	pk, persisted, err := entry.PK(ctx, target)
	if err != nil {
		return nil, "", err
	}
	if !persisted {
		return nil, "", apperrors.ErrTargetNotPersisted.Withf("%s", entry.ContentType)
	}
	return entry, pk, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
