package maintenance

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/rowguard/internal/grants"
)

// Notifier delivers expiry notices for grants. Returning an error leaves the
// grant unflagged so the notice is retried.
type Notifier interface {
	ExpiringSoon(ctx context.Context, g grants.Grant) error
	Expired(ctx context.Context, g grants.Grant) error
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier logging through log.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) ExpiringSoon(_ context.Context, g grants.Grant) error {
	n.log.Info("object permission expires soon", fields(g)...)
	return nil
}

func (n *LogNotifier) Expired(_ context.Context, g grants.Grant) error {
	n.log.Info("object permission expired", fields(g)...)
	return nil
}

func fields(g grants.Grant) []zap.Field {
	out := []zap.Field{
		zap.String("identity", g.Kind.String()+":"+g.IdentityID),
		zap.String("permission", g.Codename),
		zap.Uint("content_type_id", g.ContentTypeID),
		zap.String("object_pk", g.ObjectPK),
		zap.String("table", g.Table),
	}
	if g.Expiry != nil {
		out = append(out, zap.Time("expiry", *g.Expiry))
	}
	return out
}
