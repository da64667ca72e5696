package permissions

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
	"github.com/charlesng35/rowguard/pkg/logger"
	"github.com/charlesng35/rowguard/pkg/metrics"
)

// Checker answers object permission questions for one identity. It caches
// every answer for its lifetime and is meant to live for a single request; it
// is not safe for concurrent use.
type Checker struct {
	db           *gorm.DB
	adapter      *grants.Adapter
	registry     *contenttypes.Registry
	identity     identity.Identity
	autoPrefetch bool
	now          func() time.Time
	log          *zap.Logger

	cache      map[cacheKey][]string
	prefetched map[uint]struct{}
	global     []string
}

type cacheKey struct {
	contentTypeID     uint
	pk                string
	includeGroupPerms bool
	expiryAware       bool
}

// CheckerOption customises a Checker.
type CheckerOption func(*Checker)

// WithAutoPrefetch makes the first cache miss on a content type load every
// grant the identity holds on it, so later misses are answered from cache.
func WithAutoPrefetch(enabled bool) CheckerOption {
	return func(c *Checker) {
		c.autoPrefetch = enabled
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// PermOption tunes a single permission read.
type PermOption func(*permQuery)

type permQuery struct {
	expiryAware       bool
	includeGroupPerms bool
}

// ExpiryAware drops grants whose expiry has passed.
func ExpiryAware(enabled bool) PermOption {
	return func(q *permQuery) {
		q.expiryAware = enabled
	}
}

// IncludeGroupPerms controls whether a user's group and organization grants
// count towards their permissions.
func IncludeGroupPerms(enabled bool) PermOption {
	return func(q *permQuery) {
		q.includeGroupPerms = enabled
	}
}

// NewChecker resolves who and returns a checker issuing its queries through db.
func NewChecker(ctx context.Context, db *gorm.DB, adapter *grants.Adapter, resolver *identity.Resolver, who any, opts ...CheckerOption) (*Checker, error) {
	if adapter == nil {
		return nil, errors.New("permission checker: grant adapter is required")
	}
	if resolver == nil {
		return nil, errors.New("permission checker: identity resolver is required")
	}
	if db == nil {
		db = adapter.DB()
	}

	id, err := resolver.Resolve(ensureContext(ctx), who)
	if err != nil {
		return nil, err
	}

	c := &Checker{
		db:         db,
		adapter:    adapter,
		registry:   adapter.Registry(),
		identity:   id,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.WithModule("permissions"),
		cache:      make(map[cacheKey][]string),
		prefetched: make(map[uint]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Identity returns the resolved identity the checker answers for.
func (c *Checker) Identity() identity.Identity { return c.identity }

// HasPerm reports whether the identity holds perm on obj. perm may carry an
// "app_label." prefix. Expired grants are ignored unless ExpiryAware(false)
// is passed.
func (c *Checker) HasPerm(ctx context.Context, perm string, obj any, opts ...PermOption) (bool, error) {
	kind := c.identity.Kind().String()
	if c.identity.IsInactiveUser() {
		metrics.PermissionChecks.WithLabelValues(kind, "deny").Inc()
		return false, nil
	}
	if c.identity.IsSuperuser() {
		metrics.PermissionChecks.WithLabelValues(kind, "allow").Inc()
		return true, nil
	}

	_, codename := contenttypes.SplitPermission(perm)
	perms, err := c.GetPerms(ctx, obj, append([]PermOption{ExpiryAware(true)}, opts...)...)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == codename {
			metrics.PermissionChecks.WithLabelValues(kind, "allow").Inc()
			return true, nil
		}
	}
	metrics.PermissionChecks.WithLabelValues(kind, "deny").Inc()
	return false, nil
}

// GetPerms returns the sorted codenames the identity holds on obj.
func (c *Checker) GetPerms(ctx context.Context, obj any, opts ...PermOption) ([]string, error) {
	ctx = ensureContext(ctx)
	q := permQuery{includeGroupPerms: true}
	for _, opt := range opts {
		opt(&q)
	}

	if c.identity.IsInactiveUser() {
		return []string{}, nil
	}

	entry, pk, persisted, err := c.target(ctx, obj)
	if err != nil {
		return nil, err
	}

	key := cacheKey{contentTypeID: entry.ID(), pk: pk, includeGroupPerms: q.includeGroupPerms, expiryAware: q.expiryAware}
	if perms, ok := c.cache[key]; ok {
		metrics.CheckerCacheLookups.WithLabelValues("hit").Inc()
		return clone(perms), nil
	}
	metrics.CheckerCacheLookups.WithLabelValues("miss").Inc()

	if c.identity.IsSuperuser() {
		perms, err := c.contentTypeCodenames(ctx, entry)
		if err != nil {
			return nil, err
		}
		c.cache[key] = perms
		return clone(perms), nil
	}

	if !persisted {
		return []string{}, nil
	}

	if _, ok := c.prefetched[entry.ID()]; !ok && c.autoPrefetch {
		if err := c.load(ctx, entry, nil, true); err != nil {
			return nil, err
		}
		c.prefetched[entry.ID()] = struct{}{}
	}
	if _, ok := c.prefetched[entry.ID()]; ok {
		if perms, ok := c.cache[key]; ok {
			return clone(perms), nil
		}
		return []string{}, nil
	}

	if err := c.load(ctx, entry, []string{pk}, q.includeGroupPerms); err != nil {
		return nil, err
	}
	return clone(c.cache[key]), nil
}

// PrefetchPerms loads the identity's grants on every object of a homogeneous
// slice into the cache. Objects without grants are cached as empty, and
// later misses on the same content type never query.
func (c *Checker) PrefetchPerms(ctx context.Context, objects any) (bool, error) {
	ctx = ensureContext(ctx)
	if c.identity.IsInactiveUser() {
		return true, nil
	}

	rv := reflect.ValueOf(objects)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, fmt.Errorf("permission checker: prefetch expects a slice, got %T", objects)
	}
	if rv.Len() == 0 {
		return true, nil
	}

	entry, err := c.registry.ForModel(objects)
	if err != nil {
		return false, err
	}

	pks := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		pk, persisted, err := entry.PK(ctx, rv.Index(i).Interface())
		if err != nil {
			return false, err
		}
		if persisted {
			pks = append(pks, pk)
		}
	}
	metrics.PrefetchedObjects.Observe(float64(len(pks)))

	if c.identity.IsSuperuser() {
		perms, err := c.contentTypeCodenames(ctx, entry)
		if err != nil {
			return false, err
		}
		for _, pk := range pks {
			for _, key := range keysFor(entry.ID(), pk) {
				c.cache[key] = perms
			}
		}
		return true, nil
	}

	if len(pks) > 0 {
		if err := c.load(ctx, entry, pks, true); err != nil {
			return false, err
		}
	}
	c.prefetched[entry.ID()] = struct{}{}

	c.log.Debug("prefetched object permissions",
		zap.String("identity", c.identity.String()),
		zap.String("content_type", entry.ContentType.String()),
		zap.Int("objects", len(pks)))
	return true, nil
}

// GetUserPerms returns the grants held directly by the user identity on obj.
// It is uncached and empty for non-user identities.
func (c *Checker) GetUserPerms(ctx context.Context, obj any, opts ...PermOption) ([]string, error) {
	if c.identity.Kind() != identity.KindUser {
		return []string{}, nil
	}
	return c.single(ctx, obj, identity.KindUser, grants.Principal{ID: c.identity.ID()}, opts)
}

// GetGroupPerms returns the grants of the group identity on obj, or for a user
// identity the grants inherited from their groups.
func (c *Checker) GetGroupPerms(ctx context.Context, obj any, opts ...PermOption) ([]string, error) {
	switch c.identity.Kind() {
	case identity.KindUser:
		return c.single(ctx, obj, identity.KindGroup, grants.Principal{MemberOf: c.identity.ID()}, opts)
	case identity.KindGroup:
		return c.single(ctx, obj, identity.KindGroup, grants.Principal{ID: c.identity.ID()}, opts)
	default:
		return []string{}, nil
	}
}

// GetOrganizationPerms returns the grants of the organization identity on obj,
// or for a user identity the grants inherited from their organizations.
func (c *Checker) GetOrganizationPerms(ctx context.Context, obj any, opts ...PermOption) ([]string, error) {
	switch c.identity.Kind() {
	case identity.KindUser:
		return c.single(ctx, obj, identity.KindOrganization, grants.Principal{MemberOf: c.identity.ID()}, opts)
	case identity.KindOrganization:
		return c.single(ctx, obj, identity.KindOrganization, grants.Principal{ID: c.identity.ID()}, opts)
	default:
		return []string{}, nil
	}
}

func (c *Checker) single(ctx context.Context, obj any, kind identity.Kind, who grants.Principal, opts []PermOption) ([]string, error) {
	ctx = ensureContext(ctx)
	var q permQuery
	for _, opt := range opts {
		opt(&q)
	}

	entry, pk, persisted, err := c.target(ctx, obj)
	if err != nil {
		return nil, err
	}
	if !persisted {
		return []string{}, nil
	}

	rows, err := c.fetch(ctx, entry, []string{pk}, source{kind: kind, who: who})
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if q.expiryAware && !row.Active {
			continue
		}
		set[row.Codename] = struct{}{}
	}
	return sortedKeys(set), nil
}

type source struct {
	kind identity.Kind
	who  grants.Principal
}

// fetch reads PermRows from every source in one statement.
func (c *Checker) fetch(ctx context.Context, entry *contenttypes.Entry, pks []string, sources ...source) ([]grants.PermRow, error) {
	now := c.now()
	queries := make([]any, 0, len(sources))
	for _, src := range sources {
		store := c.adapter.StoreFor(src.kind, entry)
		q, err := grants.PermRows(c.db, store, src.who, grants.Filter{Target: entry, PKs: pks}, now)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}

	var rows []grants.PermRow
	var err error
	if len(queries) == 1 {
		err = queries[0].(*gorm.DB).WithContext(ctx).Scan(&rows).Error
	} else {
		sql := strings.TrimSuffix(strings.Repeat("? UNION ALL ", len(queries)), " UNION ALL ")
		err = c.db.WithContext(ctx).Raw(sql, queries...).Scan(&rows).Error
	}
	if err != nil {
		return nil, fmt.Errorf("permission checker: load grants on %s: %w", entry.ContentType, err)
	}
	return rows, nil
}

type permSets struct {
	all, active, own, ownActive map[string]struct{}
}

func newPermSets() *permSets {
	return &permSets{
		all:       map[string]struct{}{},
		active:    map[string]struct{}{},
		own:       map[string]struct{}{},
		ownActive: map[string]struct{}{},
	}
}

// load queries grants on pks (every object of the content type when pks is
// nil) and caches the result. Inherited grants are read and cached only when
// withInherited is set.
func (c *Checker) load(ctx context.Context, entry *contenttypes.Entry, pks []string, withInherited bool) error {
	kind := c.identity.Kind()
	own, err := c.fetch(ctx, entry, pks, source{kind: kind, who: grants.Principal{ID: c.identity.ID()}})
	if err != nil {
		return err
	}

	var inherited []grants.PermRow
	if kind == identity.KindUser && withInherited {
		member := grants.Principal{MemberOf: c.identity.ID()}
		inherited, err = c.fetch(ctx, entry, pks,
			source{kind: identity.KindGroup, who: member},
			source{kind: identity.KindOrganization, who: member})
		if err != nil {
			return err
		}
	}

	sets := make(map[string]*permSets, len(pks))
	for _, pk := range pks {
		sets[pk] = newPermSets()
	}
	setFor := func(pk string) *permSets {
		s, ok := sets[pk]
		if !ok {
			s = newPermSets()
			sets[pk] = s
		}
		return s
	}
	for _, row := range own {
		s := setFor(row.ObjectPK)
		s.all[row.Codename] = struct{}{}
		s.own[row.Codename] = struct{}{}
		if row.Active {
			s.active[row.Codename] = struct{}{}
			s.ownActive[row.Codename] = struct{}{}
		}
	}
	for _, row := range inherited {
		s := setFor(row.ObjectPK)
		s.all[row.Codename] = struct{}{}
		if row.Active {
			s.active[row.Codename] = struct{}{}
		}
	}

	// Group and organization identities have no inherited grants, so both
	// values of the include flag share one answer.
	fillInherited := withInherited || kind != identity.KindUser
	for pk, s := range sets {
		id := entry.ID()
		c.cache[cacheKey{id, pk, false, false}] = sortedKeys(s.own)
		c.cache[cacheKey{id, pk, false, true}] = sortedKeys(s.ownActive)
		if fillInherited {
			c.cache[cacheKey{id, pk, true, false}] = sortedKeys(s.all)
			c.cache[cacheKey{id, pk, true, true}] = sortedKeys(s.active)
		}
	}
	return nil
}

func (c *Checker) contentTypeCodenames(ctx context.Context, entry *contenttypes.Entry) ([]string, error) {
	var codenames []string
	err := c.db.WithContext(ctx).
		Model(&models.Permission{}).
		Where("content_type_id = ?", entry.ID()).
		Order("codename").
		Pluck("codename", &codenames).Error
	if err != nil {
		return nil, fmt.Errorf("permission checker: list %s permissions: %w", entry.ContentType, err)
	}
	if codenames == nil {
		codenames = []string{}
	}
	return codenames, nil
}

func (c *Checker) target(ctx context.Context, obj any) (*contenttypes.Entry, string, bool, error) {
	entry, err := c.registry.ForModel(obj)
	if err != nil {
		return nil, "", false, err
	}
	pk, persisted, err := entry.PK(ctx, obj)
	if err != nil {
		return nil, "", false, err
	}
	return entry, pk, persisted, nil
}

// GlobalPerms returns the sorted "app_label.codename" permissions the identity
// holds without an object. Users get their own permissions together with those
// of their groups and organizations.
func (c *Checker) GlobalPerms(ctx context.Context) ([]string, error) {
	ctx = ensureContext(ctx)
	if c.global != nil {
		return clone(c.global), nil
	}
	if c.identity.IsInactiveUser() {
		c.global = []string{}
		return []string{}, nil
	}

	tx := c.db.WithContext(ctx).
		Table("permissions").
		Select("content_types.app_label, permissions.codename").
		Joins("JOIN content_types ON content_types.id = permissions.content_type_id")

	id := c.identity.ID()
	switch c.identity.Kind() {
	case identity.KindUser:
		if !c.identity.IsSuperuser() {
			tx = tx.Where(
				"permissions.id IN (SELECT permission_id FROM "+models.UserPermissionsTable+" WHERE user_id = ?)"+
					" OR permissions.id IN (SELECT gp.permission_id FROM "+models.GroupPermissionsTable+" gp"+
					" JOIN "+models.UserGroupsTable+" ug ON ug.group_id = gp.group_id WHERE ug.user_id = ?)"+
					" OR permissions.id IN (SELECT op.permission_id FROM "+models.OrganizationPermissionsTable+" op"+
					" JOIN "+models.OrganizationUsersTable+" ou ON ou.organization_id = op.organization_id WHERE ou.user_id = ?)",
				id, id, id)
		}
	case identity.KindGroup:
		tx = tx.Where("permissions.id IN (SELECT permission_id FROM "+models.GroupPermissionsTable+" WHERE group_id = ?)", id)
	case identity.KindOrganization:
		tx = tx.Where("permissions.id IN (SELECT permission_id FROM "+models.OrganizationPermissionsTable+" WHERE organization_id = ?)", id)
	}

	var rows []struct {
		AppLabel string
		Codename string
	}
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("permission checker: load global permissions: %w", err)
	}

	set := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		set[row.AppLabel+"."+row.Codename] = struct{}{}
	}
	c.global = sortedKeys(set)
	return clone(c.global), nil
}

// HasGlobalPerm reports whether perm, given as "app_label.codename", is held
// without an object.
func (c *Checker) HasGlobalPerm(ctx context.Context, perm string) (bool, error) {
	if c.identity.IsInactiveUser() {
		return false, nil
	}
	if c.identity.IsSuperuser() {
		return true, nil
	}
	perms, err := c.GlobalPerms(ctx)
	if err != nil {
		return false, err
	}
	perm = strings.TrimSpace(perm)
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

func keysFor(contentTypeID uint, pk string) []cacheKey {
	return []cacheKey{
		{contentTypeID, pk, true, true},
		{contentTypeID, pk, true, false},
		{contentTypeID, pk, false, true},
		{contentTypeID, pk, false, false},
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clone(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
