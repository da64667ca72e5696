package models

// ContentType identifies a registered model by application label and model name.
type ContentType struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	AppLabel string `gorm:"size:100;not null;uniqueIndex:idx_content_types_natural,priority:1" json:"app_label"`
	Model    string `gorm:"size:100;not null;uniqueIndex:idx_content_types_natural,priority:2" json:"model"`
}

// String renders the natural key, e.g. "blog.post".
func (c ContentType) String() string {
	return c.AppLabel + "." + c.Model
}
