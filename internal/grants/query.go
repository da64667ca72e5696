package grants

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/database"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
)

// Principal selects whose grants a query reads. Either ID names the grantee
// itself, or MemberOf names a user whose groups or organizations are the
// grantees.
type Principal struct {
	ID       string
	MemberOf string
}

// Filter narrows a grant query.
type Filter struct {
	Target    *contenttypes.Entry
	PKs       []string
	Codenames []string
	// ActiveAt drops grants that expired before the given instant.
	ActiveAt *time.Time
}

// PermRow is one (object, codename) pair read from a grant table.
type PermRow struct {
	ObjectPK string `gorm:"column:object_pk"`
	Codename string `gorm:"column:codename"`
	Active   bool   `gorm:"column:active"`
}

var membershipTables = map[identity.Kind]struct{ table, column string }{
	identity.KindGroup:        {models.UserGroupsTable, "group_id"},
	identity.KindOrganization: {models.OrganizationUsersTable, "organization_id"},
}

// Scope builds the FROM/JOIN/WHERE part of a grant query against store. The
// permissions table is joined so callers may reference permissions.codename.
func Scope(db *gorm.DB, store Store, who Principal, f Filter) (*gorm.DB, error) {
	tx := db.Table(store.Table()).
		Joins(fmt.Sprintf("JOIN permissions ON permissions.id = %s", store.PermissionColumn())).
		Where("permissions.content_type_id = ?", f.Target.ID())

	switch {
	case who.MemberOf != "":
		membership, ok := membershipTables[store.Kind()]
		if !ok {
			return nil, fmt.Errorf("grants: %s grants cannot be inherited", store.Kind())
		}
		tx = tx.Where(
			fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE user_id = ?)", store.IdentityColumn(), membership.column, membership.table),
			who.MemberOf,
		)
	case who.ID != "":
		tx = tx.Where(store.IdentityColumn()+" = ?", who.ID)
	}

	tx, err := store.Target(tx, f.Target, f.PKs...)
	if err != nil {
		return nil, err
	}
	if len(f.Codenames) > 0 {
		tx = tx.Where("permissions.codename IN ?", f.Codenames)
	}
	if f.ActiveAt != nil {
		tx = tx.Where(fmt.Sprintf("(%s IS NULL OR %s >= ?)", store.ExpiryColumn(), store.ExpiryColumn()), *f.ActiveAt)
	}
	return tx, nil
}

// PermRows selects PermRow columns from a Scope. Active is computed against now.
func PermRows(db *gorm.DB, store Store, who Principal, f Filter, now time.Time) (*gorm.DB, error) {
	tx, err := Scope(db, store, who, f)
	if err != nil {
		return nil, err
	}
	// Direct tables hold typed keys; cast so rows from both shapes can be
	// combined in one UNION.
	object := store.ObjectColumn()
	if store.Shape() == ShapeDirect {
		object = database.CastToText(db, object)
	}
	expiry := store.ExpiryColumn()
	return tx.Select(
		fmt.Sprintf("%s AS object_pk, permissions.codename AS codename, CASE WHEN %s IS NULL OR %s >= ? THEN 1 ELSE 0 END AS active",
			object, expiry, expiry),
		now,
	), nil
}
