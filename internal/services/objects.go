package services

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/database"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	apperrors "github.com/charlesng35/rowguard/pkg/errors"
)

// ObjectsOption tunes an objects-for-identity query.
type ObjectsOption func(*objectsOptions)

type objectsOptions struct {
	useGroups         bool
	anyPerm           bool
	withSuperuser     bool
	acceptGlobalPerms bool
	onlyActive        bool
}

func defaultObjectsOptions() objectsOptions {
	return objectsOptions{useGroups: true, withSuperuser: true, acceptGlobalPerms: true}
}

// UseGroups counts a user's group and organization grants. Default true.
func UseGroups(enabled bool) ObjectsOption {
	return func(o *objectsOptions) { o.useGroups = enabled }
}

// AnyPerm matches objects holding at least one of the permissions instead of all of them.
func AnyPerm(enabled bool) ObjectsOption {
	return func(o *objectsOptions) { o.anyPerm = enabled }
}

// WithSuperuser lets superusers see every object. Default true.
func WithSuperuser(enabled bool) ObjectsOption {
	return func(o *objectsOptions) { o.withSuperuser = enabled }
}

// AcceptGlobalPerms lets permissions held without an object satisfy the query. Default true.
func AcceptGlobalPerms(enabled bool) ObjectsOption {
	return func(o *objectsOptions) { o.acceptGlobalPerms = enabled }
}

// OnlyActive ignores expired grants.
func OnlyActive(enabled bool) ObjectsOption {
	return func(o *objectsOptions) { o.onlyActive = enabled }
}

type grantSource struct {
	kind identity.Kind
	who  grants.Principal
}

// ObjectsForUser returns a query over target restricted to the objects on
// which user holds perms. perms is a codename or "app_label.codename" string,
// or a slice of them. target is nil, a model value or pointer, or a query
// whose model is set; with a nil target the model is taken from perms.
func (s *PermissionService) ObjectsForUser(ctx context.Context, user any, perms any, target any, opts ...ObjectsOption) (*gorm.DB, error) {
	o := defaultObjectsOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id, err := s.resolver.Resolve(ensureContext(ctx), user)
	if err != nil {
		return nil, err
	}
	if id.Kind() != identity.KindUser {
		return nil, apperrors.ErrIdentityKind.Withf("expected a user, got %s", id.Kind())
	}

	sources := []grantSource{{kind: identity.KindUser, who: grants.Principal{ID: id.ID()}}}
	if o.useGroups {
		member := grants.Principal{MemberOf: id.ID()}
		sources = append(sources,
			grantSource{kind: identity.KindGroup, who: member},
			grantSource{kind: identity.KindOrganization, who: member})
	}
	return s.objectsFor(ctx, id, sources, perms, target, o)
}

// ObjectsForGroup is ObjectsForUser for the grants of a single group.
func (s *PermissionService) ObjectsForGroup(ctx context.Context, group any, perms any, target any, opts ...ObjectsOption) (*gorm.DB, error) {
	return s.objectsForSingle(ctx, identity.KindGroup, group, perms, target, opts)
}

// ObjectsForOrganization is ObjectsForUser for the grants of a single organization.
func (s *PermissionService) ObjectsForOrganization(ctx context.Context, org any, perms any, target any, opts ...ObjectsOption) (*gorm.DB, error) {
	return s.objectsForSingle(ctx, identity.KindOrganization, org, perms, target, opts)
}

func (s *PermissionService) objectsForSingle(ctx context.Context, kind identity.Kind, who any, perms any, target any, opts []ObjectsOption) (*gorm.DB, error) {
	o := defaultObjectsOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id, err := s.resolver.Resolve(ensureContext(ctx), who)
	if err != nil {
		return nil, err
	}
	if id.Kind() != kind {
		return nil, apperrors.ErrIdentityKind.Withf("expected a %s, got %s", kind, id.Kind())
	}
	return s.objectsFor(ctx, id, []grantSource{{kind: kind, who: grants.Principal{ID: id.ID()}}}, perms, target, o)
}

func (s *PermissionService) objectsFor(ctx context.Context, id identity.Identity, sources []grantSource, perms any, target any, o objectsOptions) (*gorm.DB, error) {
	ctx = ensureContext(ctx)
	entry, codenames, base, err := s.normaliseObjectQuery(ctx, perms, target)
	if err != nil {
		return nil, err
	}

	// The superuser flag alone opens the full query; activity is the
	// checker's concern.
	isUser := id.Kind() == identity.KindUser
	if isUser && o.withSuperuser && id.User.IsSuperuser {
		return base, nil
	}

	partialGlobal := false
	if o.acceptGlobalPerms && (!isUser || o.withSuperuser) {
		checker, err := s.NewChecker(ctx, id)
		if err != nil {
			return nil, err
		}
		global, err := checker.GlobalPerms(ctx)
		if err != nil {
			return nil, err
		}
		var remaining []string
		for _, codename := range codenames {
			if !containsString(global, entry.ContentType.AppLabel+"."+codename) {
				remaining = append(remaining, codename)
			}
		}
		satisfied := len(codenames) - len(remaining)
		codenames = remaining
		if satisfied > 0 && (len(codenames) == 0 || o.anyPerm) {
			return base, nil
		}
		partialGlobal = satisfied > 0
	}

	filter := grants.Filter{Target: entry, Codenames: codenames, ActiveAt: s.activeAt(o.onlyActive)}

	// Every required codename must be present on the object, across all sources.
	if !o.anyPerm && len(codenames) > 0 && !partialGlobal && (!isUser || o.useGroups) {
		pks, err := s.objectsHoldingAll(ctx, entry, sources, filter)
		if err != nil {
			return nil, err
		}
		values, err := entry.ParsePKs(pks)
		if err != nil {
			return nil, err
		}
		return base.Where(entry.QualifiedPK()+" IN ?", values), nil
	}

	cond := s.db.Session(&gorm.Session{NewDB: true})
	for i, src := range sources {
		store := s.adapter.StoreFor(src.kind, entry)
		sub, err := grants.Scope(s.db, store, src.who, filter)
		if err != nil {
			return nil, err
		}
		column := store.ObjectColumn()
		if i == 0 && !o.anyPerm && len(codenames) > 1 {
			sub = sub.Group(column).Having("COUNT(*) >= ?", len(codenames))
		}
		if store.Shape() == grants.ShapeGeneric && entry.NumericPK() {
			column = database.CastToInteger(s.db, column)
		}
		sub = sub.Select(column)

		if i == 0 {
			cond = cond.Where(entry.QualifiedPK()+" IN (?)", sub)
		} else {
			cond = cond.Or(entry.QualifiedPK()+" IN (?)", sub)
		}
	}
	return base.Where(cond), nil
}

// objectsHoldingAll returns the keys of objects whose combined grants across
// sources cover every codename of the filter.
func (s *PermissionService) objectsHoldingAll(ctx context.Context, entry *contenttypes.Entry, sources []grantSource, filter grants.Filter) ([]string, error) {
	now := s.now()
	queries := make([]any, 0, len(sources))
	for _, src := range sources {
		q, err := grants.PermRows(s.db, s.adapter.StoreFor(src.kind, entry), src.who, filter, now)
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
		sql := "?"
		for range queries[1:] {
			sql += " UNION ALL ?"
		}
		err = s.db.WithContext(ctx).Raw(sql, queries...).Scan(&rows).Error
	}
	if err != nil {
		return nil, fmt.Errorf("permission service: load grants on %s: %w", entry.ContentType, err)
	}

	held := make(map[string]map[string]struct{})
	for _, row := range rows {
		set, ok := held[row.ObjectPK]
		if !ok {
			set = make(map[string]struct{})
			held[row.ObjectPK] = set
		}
		set[row.Codename] = struct{}{}
	}

	pks := make([]string, 0, len(held))
	for pk, set := range held {
		complete := true
		for _, codename := range filter.Codenames {
			if _, ok := set[codename]; !ok {
				complete = false
				break
			}
		}
		if complete {
			pks = append(pks, pk)
		}
	}
	sort.Strings(pks)
	return pks, nil
}

// normaliseObjectQuery binds perms to one content type and returns the base
// query over its model.
func (s *PermissionService) normaliseObjectQuery(ctx context.Context, perms any, target any) (*contenttypes.Entry, []string, *gorm.DB, error) {
	var list []string
	switch p := perms.(type) {
	case string:
		list = []string{p}
	case []string:
		list = p
	case nil:
	default:
		return nil, nil, nil, fmt.Errorf("permission service: unsupported permissions %T", perms)
	}

	var (
		appLabel  string
		codenames []string
		fromPerms *contenttypes.Entry
	)
	for _, perm := range normaliseStrings(list) {
		app, codename := contenttypes.SplitPermission(perm)
		if app != "" {
			if appLabel != "" && app != appLabel {
				return nil, nil, nil, apperrors.ErrMixedContentType.Withf("%s and %s", appLabel, app)
			}
			appLabel = app
		}
		if !containsString(codenames, codename) {
			codenames = append(codenames, codename)
		}
		if appLabel == "" {
			continue
		}

		found, err := s.registry.PermissionsByAppCodename(ctx, appLabel, codename)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(found) == 0 {
			return nil, nil, nil, apperrors.ErrPermissionNotFound.Withf("%s.%s", appLabel, codename)
		}
		if len(found) > 1 {
			return nil, nil, nil, apperrors.ErrAmbiguousType.Withf("%s.%s exists on several models", appLabel, codename)
		}
		entry, err := s.registry.ByID(found[0].ContentTypeID)
		if err != nil {
			return nil, nil, nil, err
		}
		if fromPerms != nil && fromPerms.ID() != entry.ID() {
			return nil, nil, nil, apperrors.ErrMixedContentType.Withf("%s and %s", fromPerms.ContentType, entry.ContentType)
		}
		fromPerms = entry
	}

	var (
		entry *contenttypes.Entry
		base  *gorm.DB
	)
	switch t := target.(type) {
	case nil:
		if fromPerms == nil {
			return nil, nil, nil, apperrors.ErrAmbiguousType.Withf("no model given and permissions are not qualified")
		}
		entry = fromPerms
		base = s.db.WithContext(ctx).Model(entry.New())
	case *gorm.DB:
		if t == nil || t.Statement == nil || t.Statement.Model == nil {
			return nil, nil, nil, apperrors.ErrAmbiguousType.Withf("query has no model")
		}
		found, err := s.registry.ForModel(t.Statement.Model)
		if err != nil {
			return nil, nil, nil, err
		}
		entry = found
		base = t.WithContext(ctx)
	default:
		found, err := s.registry.ForModel(target)
		if err != nil {
			return nil, nil, nil, err
		}
		entry = found
		base = s.db.WithContext(ctx).Model(entry.New())
	}

	if fromPerms != nil && fromPerms.ID() != entry.ID() {
		return nil, nil, nil, apperrors.ErrMixedContentType.Withf("permissions belong to %s, not %s", fromPerms.ContentType, entry.ContentType)
	}
	if len(codenames) > 0 {
		known, err := s.registry.Codenames(ctx, entry.ID())
		if err != nil {
			return nil, nil, nil, err
		}
		for _, codename := range codenames {
			if !containsString(known, codename) {
				return nil, nil, nil, apperrors.ErrMixedContentType.Withf("%q is not a permission of %s", codename, entry.ContentType)
			}
		}
	}
	return entry, codenames, base, nil
}
