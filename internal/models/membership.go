package models

// Join tables backing the many2many relations above. Grant lookups that
// resolve inherited permissions read them directly.
const (
	UserGroupsTable        = "user_groups"
	OrganizationUsersTable = "organization_users"

	UserPermissionsTable         = "user_permissions"
	GroupPermissionsTable        = "group_permissions"
	OrganizationPermissionsTable = "organization_permissions"
)
