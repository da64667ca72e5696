package models

import "time"

// ObjectPermissionBase holds the columns shared by every object grant table.
type ObjectPermissionBase struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	PermissionID uint       `gorm:"not null;index:,unique,composite:object_grant,priority:2" json:"permission_id"`
	Permission   Permission `gorm:"constraint:OnDelete:CASCADE" json:"permission"`

	Expiry                *time.Time `gorm:"column:expiry;index" json:"expiry"`
	ExpiryNotice30DaySent bool       `gorm:"column:expiry_notice_30day_sent;not null;default:false" json:"expiry_notice_30day_sent"`
	ExpiryNotice0DaySent  bool       `gorm:"column:expiry_notice_0day_sent;not null;default:false" json:"expiry_notice_0day_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserObjectPermissionBase is embedded by user grant tables.
type UserObjectPermissionBase struct {
	ObjectPermissionBase

	UserID string `gorm:"type:uuid;not null;index:,unique,composite:object_grant,priority:1" json:"user_id"`
	User   User   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// GroupObjectPermissionBase is embedded by group grant tables.
type GroupObjectPermissionBase struct {
	ObjectPermissionBase

	GroupID string `gorm:"type:uuid;not null;index:,unique,composite:object_grant,priority:1" json:"group_id"`
	Group   Group  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// OrganizationObjectPermissionBase is embedded by organization grant tables.
type OrganizationObjectPermissionBase struct {
	ObjectPermissionBase

	OrganizationID string       `gorm:"type:uuid;not null;index:,unique,composite:object_grant,priority:1" json:"organization_id"`
	Organization   Organization `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// GenericObjectTarget addresses any registered model by content type and
// stringified primary key.
type GenericObjectTarget struct {
	ContentTypeID uint        `gorm:"not null;index:,composite:object_target,priority:1" json:"content_type_id"`
	ContentType   ContentType `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ObjectPK      string      `gorm:"column:object_pk;size:255;not null;index:,composite:object_target,priority:2;index:,unique,composite:object_grant,priority:3" json:"object_pk"`
}

// UserObjectPermission is the generic user grant table.
type UserObjectPermission struct {
	UserObjectPermissionBase
	GenericObjectTarget
}

// GroupObjectPermission is the generic group grant table.
type GroupObjectPermission struct {
	GroupObjectPermissionBase
	GenericObjectTarget
}

// OrganizationObjectPermission is the generic organization grant table.
type OrganizationObjectPermission struct {
	OrganizationObjectPermissionBase
	GenericObjectTarget
}

// DirectGrant is implemented by application grant models that embed one of the
// *ObjectPermissionBase types and reference a single target model through a
// typed ContentObjectID foreign key:
//
//	type PostUserObjectPermission struct {
//		models.UserObjectPermissionBase
//		ContentObjectID uint `gorm:"not null;index:,unique,composite:object_grant,priority:3"`
//		ContentObject   Post `gorm:"constraint:OnDelete:CASCADE"`
//	}
//
//	func (PostUserObjectPermission) GrantTarget() any { return &Post{} }
type DirectGrant interface {
	GrantTarget() any
}
