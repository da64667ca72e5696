package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
	"github.com/charlesng35/rowguard/internal/permissions"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
	"github.com/charlesng35/rowguard/pkg/logger"
	"github.com/charlesng35/rowguard/pkg/metrics"
)

var globalPermissionTables = map[identity.Kind]struct{ table, column string }{
	identity.KindUser:         {models.UserPermissionsTable, "user_id"},
	identity.KindGroup:        {models.GroupPermissionsTable, "group_id"},
	identity.KindOrganization: {models.OrganizationPermissionsTable, "organization_id"},
}

// ServiceOption customises a PermissionService.
type ServiceOption func(*PermissionService)

// WithServiceAutoPrefetch makes every checker created by the service load a
// content type's grants in full on first use.
func WithServiceAutoPrefetch(enabled bool) ServiceOption {
	return func(s *PermissionService) {
		s.autoPrefetch = enabled
	}
}

// WithServiceClock overrides the time source for expiry calculation and filtering.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *PermissionService) {
		if now != nil {
			s.now = now
		}
	}
}

// PermissionService is the entry point for assigning, removing and querying
// object permissions.
type PermissionService struct {
	db           *gorm.DB
	adapter      *grants.Adapter
	registry     *contenttypes.Registry
	resolver     *identity.Resolver
	managers     map[identity.Kind]*GrantManager
	autoPrefetch bool
	now          func() time.Time
	log          *zap.Logger
}

// NewPermissionService constructs a PermissionService over the adapter's database.
func NewPermissionService(adapter *grants.Adapter, resolver *identity.Resolver, opts ...ServiceOption) (*PermissionService, error) {
	if adapter == nil {
		return nil, errors.New("permission service: grant adapter is required")
	}
	if resolver == nil {
		return nil, errors.New("permission service: identity resolver is required")
	}

	s := &PermissionService{
		db:       adapter.DB(),
		adapter:  adapter,
		registry: adapter.Registry(),
		resolver: resolver,
		managers: make(map[identity.Kind]*GrantManager, 3),
		now:      utcNow,
		log:      logger.WithModule("permissions"),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, kind := range identity.Kinds() {
		manager, err := NewGrantManager(adapter, resolver, kind, WithManagerClock(s.now))
		if err != nil {
			return nil, err
		}
		s.managers[kind] = manager
	}
	return s, nil
}

// Manager returns the grant manager for kind.
func (s *PermissionService) Manager(kind identity.Kind) *GrantManager {
	return s.managers[kind]
}

// NewChecker returns a request scoped checker for who.
func (s *PermissionService) NewChecker(ctx context.Context, who any) (*permissions.Checker, error) {
	return permissions.NewChecker(ctx, s.db, s.adapter, s.resolver, who,
		permissions.WithAutoPrefetch(s.autoPrefetch),
		permissions.WithClock(s.now))
}

func (s *PermissionService) activeAt(enabled bool) *time.Time {
	if !enabled {
		return nil
	}
	now := s.now()
	return &now
}

// AssignResult reports what AssignPerm wrote. Permission is set for global
// assignments, Grants for object assignments.
type AssignResult struct {
	Grants     []grants.Grant
	Permission *models.Permission
}

// AssignPerm grants perm to who. target selects the shape of the write:
//   - nil: a global permission; perm must be "app_label.codename".
//   - a slice or query of objects: BulkAssignPerm.
//   - a single object with a slice of identities: AssignPermToMany.
//   - a single object and identity: AssignPerm.
//
// Slices on both sides are rejected with ErrMultipleIdentityAndObject.
func (s *PermissionService) AssignPerm(ctx context.Context, perm any, who any, target any, opts ...AssignOption) (*AssignResult, error) {
	ctx = ensureContext(ctx)
	manyIdentities := identity.IsCollection(who)
	manyTargets := target != nil && isCollection(target)
	if manyIdentities && manyTargets {
		return nil, apperrors.ErrMultipleIdentityAndObject
	}

	if target == nil {
		permission, err := s.globalPermission(ctx, perm)
		if err != nil {
			return nil, err
		}
		ids, err := s.resolver.ResolveMany(ctx, who)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if err := s.db.WithContext(ctx).Model(identityModel(id)).Association("Permissions").Append(permission); err != nil {
				return nil, fmt.Errorf("permission service: add global permission to %s: %w", id, err)
			}
			metrics.GrantMutations.WithLabelValues(id.Kind().String(), "global_add").Inc()
			s.log.Info("granted global permission",
				zap.String("identity", id.String()),
				zap.String("permission", permission.QualifiedName()))
		}
		return &AssignResult{Permission: permission}, nil
	}

	if manyIdentities {
		ids, err := s.resolver.ResolveMany(ctx, who)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return &AssignResult{Grants: []grants.Grant{}}, nil
		}
		created, err := s.managers[ids[0].Kind()].AssignPermToMany(ctx, perm, who, target, opts...)
		if err != nil {
			return nil, err
		}
		return &AssignResult{Grants: created}, nil
	}

	id, err := s.resolver.Resolve(ctx, who)
	if err != nil {
		return nil, err
	}
	manager := s.managers[id.Kind()]
	if manyTargets {
		created, err := manager.BulkAssignPerm(ctx, perm, id, target, opts...)
		if err != nil {
			return nil, err
		}
		return &AssignResult{Grants: created}, nil
	}

	grant, err := manager.AssignPerm(ctx, perm, id, target, opts...)
	if err != nil {
		return nil, err
	}
	return &AssignResult{Grants: []grants.Grant{*grant}}, nil
}

// RemovePerm revokes perm from who on target, on every object of a slice or
// query target, or globally when target is nil. It returns the number of rows
// deleted.
func (s *PermissionService) RemovePerm(ctx context.Context, perm any, who any, target any) (int64, error) {
	ctx = ensureContext(ctx)
	if identity.IsCollection(who) {
		return 0, apperrors.ErrMultipleIdentityAndObject.Withf("remove accepts a single identity")
	}
	id, err := s.resolver.Resolve(ctx, who)
	if err != nil {
		return 0, err
	}

	if target == nil {
		permission, err := s.globalPermission(ctx, perm)
		if errors.Is(err, apperrors.ErrPermissionNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		table := globalPermissionTables[id.Kind()]
		res := s.db.WithContext(ctx).Exec(
			fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND permission_id = ?", table.table, table.column),
			id.ID(), permission.ID)
		if res.Error != nil {
			return 0, fmt.Errorf("permission service: remove global permission from %s: %w", id, res.Error)
		}
		metrics.GrantMutations.WithLabelValues(id.Kind().String(), "global_delete").Add(float64(res.RowsAffected))
		return res.RowsAffected, nil
	}

	manager := s.managers[id.Kind()]
	if isCollection(target) {
		return manager.BulkRemovePerm(ctx, perm, id, target)
	}
	return manager.RemovePerm(ctx, perm, id, target)
}

// globalPermission resolves an "app_label.codename" reference or a
// models.Permission.
func (s *PermissionService) globalPermission(ctx context.Context, perm any) (*models.Permission, error) {
	switch p := perm.(type) {
	case models.Permission:
		return &p, nil
	case *models.Permission:
		if p == nil || p.ID == 0 {
			return nil, apperrors.ErrPermissionNotFound.Withf("permission is not persisted")
		}
		return p, nil
	case string:
		appLabel, codename := contenttypes.SplitPermission(p)
		if appLabel == "" {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("global permission %q must be given as app_label.codename", p))
		}
		found, err := s.registry.PermissionsByAppCodename(ctx, appLabel, codename)
		if err != nil {
			return nil, err
		}
		switch len(found) {
		case 0:
			return nil, apperrors.ErrPermissionNotFound.Withf("%s", p)
		case 1:
			return &found[0], nil
		default:
			return nil, apperrors.ErrAmbiguousType.Withf("%s exists on %d models", p, len(found))
		}
	default:
		return nil, fmt.Errorf("permission service: unsupported permission reference %T", perm)
	}
}

func identityModel(id identity.Identity) any {
	switch id.Kind() {
	case identity.KindUser:
		return id.User
	case identity.KindGroup:
		return id.Group
	default:
		return id.Organization
	}
}

// GetPerms lists every permission codename who holds on obj, inherited grants included.
func (s *PermissionService) GetPerms(ctx context.Context, who any, obj any) ([]string, error) {
	checker, err := s.NewChecker(ctx, who)
	if err != nil {
		return nil, err
	}
	return checker.GetPerms(ctx, obj)
}

// GetUserPerms lists the grants a user holds directly on obj.
func (s *PermissionService) GetUserPerms(ctx context.Context, user any, obj any) ([]string, error) {
	checker, err := s.NewChecker(ctx, user)
	if err != nil {
		return nil, err
	}
	if checker.Identity().Kind() != identity.KindUser {
		return nil, apperrors.ErrIdentityKind.Withf("expected a user, got %s", checker.Identity().Kind())
	}
	return checker.GetUserPerms(ctx, obj)
}

// GetGroupPerms lists a group's grants on obj. For a user it lists the grants
// inherited from the user's groups.
func (s *PermissionService) GetGroupPerms(ctx context.Context, who any, obj any) ([]string, error) {
	checker, err := s.NewChecker(ctx, who)
	if err != nil {
		return nil, err
	}
	return checker.GetGroupPerms(ctx, obj)
}

// GetOrganizationPerms lists an organization's grants on obj. For a user it
// lists the grants inherited from the user's organizations.
func (s *PermissionService) GetOrganizationPerms(ctx context.Context, who any, obj any) ([]string, error) {
	checker, err := s.NewChecker(ctx, who)
	if err != nil {
		return nil, err
	}
	return checker.GetOrganizationPerms(ctx, obj)
}

// GetPermsForEntityType lists every permission of a model's content type.
func (s *PermissionService) GetPermsForEntityType(ctx context.Context, model any) ([]models.Permission, error) {
	return s.registry.PermsForModel(ensureContext(ctx), model)
}

// HolderOption tunes the GetXWithPerms lookups.
type HolderOption func(*holderOptions)

type holderOptions struct {
	attachPerms     bool
	withSuperusers  bool
	withGroupUsers  bool
	expiryAware     bool
	onlyWithPermsIn []string
}

// AttachPerms loads the permissions each holder has on the object.
func AttachPerms(enabled bool) HolderOption {
	return func(o *holderOptions) { o.attachPerms = enabled }
}

// WithSuperusers includes every superuser. Default false.
func WithSuperusers(enabled bool) HolderOption {
	return func(o *holderOptions) { o.withSuperusers = enabled }
}

// WithGroupUsers includes users holding a permission through a group or an
// organization. Default true.
func WithGroupUsers(enabled bool) HolderOption {
	return func(o *holderOptions) { o.withGroupUsers = enabled }
}

// PermissionExpiry ignores expired grants, both when selecting holders and
// when attaching permissions.
func PermissionExpiry(enabled bool) HolderOption {
	return func(o *holderOptions) { o.expiryAware = enabled }
}

// OnlyWithPermsIn restricts holders to those with at least one of codenames.
// An "app_label." prefix is accepted and ignored.
func OnlyWithPermsIn(codenames ...string) HolderOption {
	return func(o *holderOptions) {
		for _, perm := range codenames {
			_, codename := contenttypes.SplitPermission(perm)
			o.onlyWithPermsIn = append(o.onlyWithPermsIn, codename)
		}
	}
}

// UserPerms pairs a user with the permissions attached for it.
type UserPerms struct {
	User  models.User
	Perms []string
}

// GroupPerms pairs a group with its permissions on the object.
type GroupPerms struct {
	Group models.Group
	Perms []string
}

// OrganizationPerms pairs an organization with its permissions on the object.
type OrganizationPerms struct {
	Organization models.Organization
	Perms        []string
}

// GetUsersWithPerms lists users holding any permission on obj, ordered by
// username. Perms is only populated with AttachPerms(true).
func (s *PermissionService) GetUsersWithPerms(ctx context.Context, obj any, opts ...HolderOption) ([]UserPerms, error) {
	ctx = ensureContext(ctx)
	o := holderOptions{withGroupUsers: true}
	for _, opt := range opts {
		opt(&o)
	}

	entry, filter, err := s.holderFilter(ctx, obj, o)
	if err != nil {
		return nil, err
	}

	userStore := s.adapter.StoreFor(identity.KindUser, entry)
	direct, err := grants.Scope(s.db, userStore, grants.Principal{}, filter)
	if err != nil {
		return nil, err
	}
	cond := s.db.Session(&gorm.Session{NewDB: true}).
		Where("users.id IN (?)", direct.Select(userStore.IdentityColumn()))

	if o.withGroupUsers {
		for _, kind := range []identity.Kind{identity.KindGroup, identity.KindOrganization} {
			store := s.adapter.StoreFor(kind, entry)
			sub, err := grants.Scope(s.db, store, grants.Principal{}, filter)
			if err != nil {
				return nil, err
			}
			membership := membershipOf(kind)
			cond = cond.Or(
				fmt.Sprintf("users.id IN (SELECT user_id FROM %s WHERE %s IN (?))", membership.table, membership.column),
				sub.Select(store.IdentityColumn()))
		}
	}
	if o.withSuperusers {
		cond = cond.Or("users.is_superuser = ?", true)
	}

	var users []models.User
	if err := s.db.WithContext(ctx).Where(cond).Order("users.username").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("permission service: list users with perms on %s: %w", entry.ContentType, err)
	}

	out := make([]UserPerms, 0, len(users))
	for i := range users {
		holder := UserPerms{User: users[i]}
		if o.attachPerms {
			checker, err := s.NewChecker(ctx, &users[i])
			if err != nil {
				return nil, err
			}
			if o.withGroupUsers || o.withSuperusers {
				holder.Perms, err = checker.GetPerms(ctx, obj, permissions.ExpiryAware(o.expiryAware))
			} else {
				holder.Perms, err = checker.GetUserPerms(ctx, obj, permissions.ExpiryAware(o.expiryAware))
			}
			if err != nil {
				return nil, err
			}
		}
		out = append(out, holder)
	}
	return out, nil
}

// GetUsersWithPermission lists users holding perm on obj.
func (s *PermissionService) GetUsersWithPermission(ctx context.Context, perm string, obj any, opts ...HolderOption) ([]models.User, error) {
	opts = append(append([]HolderOption{}, opts...), AttachPerms(false), OnlyWithPermsIn(perm))
	holders, err := s.GetUsersWithPerms(ctx, obj, opts...)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(holders))
	for _, holder := range holders {
		users = append(users, holder.User)
	}
	return users, nil
}

// GetGroupsWithPerms lists groups holding any permission on obj, ordered by name.
func (s *PermissionService) GetGroupsWithPerms(ctx context.Context, obj any, opts ...HolderOption) ([]GroupPerms, error) {
	ctx = ensureContext(ctx)
	var groups []models.Group
	o, err := s.holdersOf(ctx, identity.KindGroup, obj, &groups, "name", opts)
	if err != nil {
		return nil, err
	}

	out := make([]GroupPerms, 0, len(groups))
	for i := range groups {
		holder := GroupPerms{Group: groups[i]}
		if o.attachPerms {
			if holder.Perms, err = s.attachedPerms(ctx, &groups[i], obj, o); err != nil {
				return nil, err
			}
		}
		out = append(out, holder)
	}
	return out, nil
}

// GetOrganizationsWithPerms lists organizations holding any permission on
// obj, ordered by name.
func (s *PermissionService) GetOrganizationsWithPerms(ctx context.Context, obj any, opts ...HolderOption) ([]OrganizationPerms, error) {
	ctx = ensureContext(ctx)
	var orgs []models.Organization
	o, err := s.holdersOf(ctx, identity.KindOrganization, obj, &orgs, "name", opts)
	if err != nil {
		return nil, err
	}

	out := make([]OrganizationPerms, 0, len(orgs))
	for i := range orgs {
		holder := OrganizationPerms{Organization: orgs[i]}
		if o.attachPerms {
			if holder.Perms, err = s.attachedPerms(ctx, &orgs[i], obj, o); err != nil {
				return nil, err
			}
		}
		out = append(out, holder)
	}
	return out, nil
}

func (s *PermissionService) holdersOf(ctx context.Context, kind identity.Kind, obj any, dest any, order string, opts []HolderOption) (holderOptions, error) {
	var o holderOptions
	for _, opt := range opts {
		opt(&o)
	}
	entry, filter, err := s.holderFilter(ctx, obj, o)
	if err != nil {
		return o, err
	}
	store := s.adapter.StoreFor(kind, entry)
	sub, err := grants.Scope(s.db, store, grants.Principal{}, filter)
	if err != nil {
		return o, err
	}
	err = s.db.WithContext(ctx).
		Where("id IN (?)", sub.Select(store.IdentityColumn())).
		Order(order).
		Find(dest).Error
	if err != nil {
		return o, fmt.Errorf("permission service: list %s holders on %s: %w", kind, entry.ContentType, err)
	}
	return o, nil
}

func (s *PermissionService) attachedPerms(ctx context.Context, who any, obj any, o holderOptions) ([]string, error) {
	checker, err := s.NewChecker(ctx, who)
	if err != nil {
		return nil, err
	}
	return checker.GetPerms(ctx, obj, permissions.ExpiryAware(o.expiryAware))
}

func (s *PermissionService) holderFilter(ctx context.Context, obj any, o holderOptions) (*contenttypes.Entry, grants.Filter, error) {
	if obj == nil || (reflect.ValueOf(obj).Kind() == reflect.Pointer && reflect.ValueOf(obj).IsNil()) {
		return nil, grants.Filter{}, apperrors.ErrTargetNotPersisted.Withf("no object given")
	}
	entry, err := s.registry.ForModel(obj)
	if err != nil {
		return nil, grants.Filter{}, err
	}
	pk, persisted, err := entry.PK(ctx, obj)
	if err != nil {
		return nil, grants.Filter{}, err
	}
	if !persisted {
		return nil, grants.Filter{}, apperrors.ErrTargetNotPersisted.Withf("%s", entry.ContentType)
	}
	return entry, grants.Filter{
		Target:    entry,
		PKs:       []string{pk},
		Codenames: normaliseStrings(o.onlyWithPermsIn),
		ActiveAt:  s.activeAt(o.expiryAware),
	}, nil
}

func membershipOf(kind identity.Kind) struct{ table, column string } {
	if kind == identity.KindGroup {
		return struct{ table, column string }{models.UserGroupsTable, "group_id"}
	}
	return struct{ table, column string }{models.OrganizationUsersTable, "organization_id"}
}
