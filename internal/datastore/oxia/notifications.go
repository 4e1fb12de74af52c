package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/tally-io/tally/internal/datastore"
)

type notificationStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
}

func (s *notificationStream) Next(ctx context.Context) (datastore.Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return datastore.Notification{}, ctx.Err()
		case <-s.ctx.Done():
			return datastore.Notification{}, s.ctx.Err()
		case n, ok := <-s.notifications.Ch():
			if !ok {
				return datastore.Notification{}, datastore.ErrStoreClosed
			}
			if out, ok := toNotification(n); ok {
				return out, nil
			}
		}
	}
}

func (s *notificationStream) Close() error {
	return s.notifications.Close()
}

// toNotification converts an Oxia notification. Sequence updates and
// unknown types are skipped.
func toNotification(n *oxiaclient.Notification) (datastore.Notification, bool) {
	out := datastore.Notification{Key: n.Key}
	switch n.Type {
	case oxiaclient.KeyCreated:
		out.Type = datastore.KeyCreated
		out.Version = fromOxiaVersion(n.VersionId)
	case oxiaclient.KeyModified:
		out.Type = datastore.KeyModified
		out.Version = fromOxiaVersion(n.VersionId)
	case oxiaclient.KeyDeleted, oxiaclient.KeyRangeRangeDeleted:
		out.Type = datastore.KeyDeleted
	default:
		return datastore.Notification{}, false
	}
	return out, true
}
