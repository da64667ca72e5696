package models

// Permission is a named capability scoped to one content type.
type Permission struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	Name          string      `gorm:"size:255;not null" json:"name"`
	ContentTypeID uint        `gorm:"not null;uniqueIndex:idx_permissions_codename,priority:1" json:"content_type_id"`
	ContentType   ContentType `gorm:"constraint:OnDelete:CASCADE" json:"content_type"`
	Codename      string      `gorm:"size:100;not null;uniqueIndex:idx_permissions_codename,priority:2" json:"codename"`
}

// QualifiedName returns "app_label.codename". ContentType must be loaded.
func (p Permission) QualifiedName() string {
	return p.ContentType.AppLabel + "." + p.Codename
}
