package identity

import (
	"github.com/charlesng35/rowguard/internal/models"
)

// Kind names the three grantee shapes.
type Kind int

const (
	KindUser Kind = iota + 1
	KindGroup
	KindOrganization
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindOrganization:
		return "organization"
	default:
		return "unknown"
	}
}

// Kinds lists every identity kind.
func Kinds() []Kind {
	return []Kind{KindUser, KindGroup, KindOrganization}
}

// AnonymousUser stands for the unauthenticated user. It resolves to the
// persisted user named by the configured anonymous user name.
type AnonymousUser struct{}

// Identity holds exactly one of User, Group or Organization.
type Identity struct {
	User         *models.User
	Group        *models.Group
	Organization *models.Organization
}

// Kind reports which field is set.
func (i Identity) Kind() Kind {
	switch {
	case i.User != nil:
		return KindUser
	case i.Group != nil:
		return KindGroup
	case i.Organization != nil:
		return KindOrganization
	default:
		return 0
	}
}

// ID returns the primary key of the underlying record.
func (i Identity) ID() string {
	switch {
	case i.User != nil:
		return i.User.ID
	case i.Group != nil:
		return i.Group.ID
	case i.Organization != nil:
		return i.Organization.ID
	default:
		return ""
	}
}

// IsSuperuser is true only for active superusers.
func (i Identity) IsSuperuser() bool {
	return i.User != nil && i.User.IsActive && i.User.IsSuperuser
}

// IsInactiveUser is true for users whose account is disabled.
func (i Identity) IsInactiveUser() bool {
	return i.User != nil && !i.User.IsActive
}

// String is used in log fields.
func (i Identity) String() string {
	return i.Kind().String() + ":" + i.ID()
}
