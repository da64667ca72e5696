package maintenance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rowguard/internal/contenttypes"
	"github.com/charlesng35/rowguard/internal/grants"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/internal/models"
	"github.com/charlesng35/rowguard/pkg/mail"
)

var noticeBody = template.Must(template.New("notice").Parse(
	`{{if .Expired}}Your {{.Codename}} permission on {{.Object}} expired at {{.Expiry}}.
{{else}}Your {{.Codename}} permission on {{.Object}} expires at {{.Expiry}}.
{{end}}{{if ne .Holder ""}}The permission was granted to {{.Holder}}.
{{end}}`))

type noticeData struct {
	Codename string
	Object   string
	Expiry   string
	Holder   string
	Expired  bool
}

// MailNotifier emails expiry notices to the grantee: the user itself, or
// every member of a group or organization. Grants whose holders have no
// email address are skipped.
type MailNotifier struct {
	db       *gorm.DB
	registry *contenttypes.Registry
	mailer   mail.Mailer
	log      *zap.Logger
}

// NewMailNotifier returns a notifier sending through mailer.
func NewMailNotifier(adapter *grants.Adapter, mailer mail.Mailer, log *zap.Logger) (*MailNotifier, error) {
	if adapter == nil || mailer == nil {
		return nil, errors.New("mail notifier: adapter and mailer are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MailNotifier{db: adapter.DB(), registry: adapter.Registry(), mailer: mailer, log: log}, nil
}

func (n *MailNotifier) ExpiringSoon(ctx context.Context, g grants.Grant) error {
	return n.send(ctx, g, false)
}

func (n *MailNotifier) Expired(ctx context.Context, g grants.Grant) error {
	return n.send(ctx, g, true)
}

func (n *MailNotifier) send(ctx context.Context, g grants.Grant, expired bool) error {
	to, holder, err := n.recipients(ctx, g)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		n.log.Debug("no recipients for expiry notice",
			zap.String("identity", g.Kind.String()+":"+g.IdentityID),
			zap.String("permission", g.Codename))
		return nil
	}

	data := noticeData{
		Codename: g.Codename,
		Object:   n.objectLabel(g),
		Holder:   holder,
		Expired:  expired,
	}
	if g.Expiry != nil {
		data.Expiry = g.Expiry.UTC().Format(time.RFC1123)
	}

	var body bytes.Buffer
	if err := noticeBody.Execute(&body, data); err != nil {
		return fmt.Errorf("mail notifier: render: %w", err)
	}

	subject := "Permission expiring: " + g.Codename
	if expired {
		subject = "Permission expired: " + g.Codename
	}
	return n.mailer.Send(ctx, mail.Message{To: to, Subject: subject, Body: body.String()})
}

// recipients returns the member addresses and, for groups and organizations,
// the holder name quoted in the body.
func (n *MailNotifier) recipients(ctx context.Context, g grants.Grant) ([]string, string, error) {
	db := n.db.WithContext(ctx)
	var emails []string

	switch g.Kind {
	case identity.KindUser:
		err := db.Model(&models.User{}).
			Where("id = ? AND email <> ''", g.IdentityID).
			Pluck("email", &emails).Error
		if err != nil {
			return nil, "", fmt.Errorf("mail notifier: load user: %w", err)
		}
		return emails, "", nil
	case identity.KindGroup, identity.KindOrganization:
		table, column := models.UserGroupsTable, "group_id"
		holder := any(&models.Group{})
		if g.Kind == identity.KindOrganization {
			table, column = models.OrganizationUsersTable, "organization_id"
			holder = &models.Organization{}
		}

		var names []string
		if err := db.Model(holder).Where("id = ?", g.IdentityID).Pluck("name", &names).Error; err != nil {
			return nil, "", fmt.Errorf("mail notifier: load %s: %w", g.Kind, err)
		}
		err := db.Model(&models.User{}).
			Where(fmt.Sprintf("id IN (SELECT user_id FROM %s WHERE %s = ?)", table, column), g.IdentityID).
			Where("is_active = ? AND email <> ''", true).
			Order("email").
			Pluck("email", &emails).Error
		if err != nil {
			return nil, "", fmt.Errorf("mail notifier: load members: %w", err)
		}
		name := g.IdentityID
		if len(names) > 0 {
			name = names[0]
		}
		return emails, fmt.Sprintf("%s %s", g.Kind, name), nil
	default:
		return nil, "", fmt.Errorf("mail notifier: unknown identity kind %d", g.Kind)
	}
}

func (n *MailNotifier) objectLabel(g grants.Grant) string {
	if entry, err := n.registry.ByID(g.ContentTypeID); err == nil {
		return fmt.Sprintf("%s #%s", entry.ContentType, g.ObjectPK)
	}
	return fmt.Sprintf("%s #%s", g.Table, g.ObjectPK)
}
