package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata"
)

// eventSource is the part of oxiaclient.Notifications a watch reads.
type eventSource interface {
	Ch() <-chan *oxiaclient.Notification
	Close() error
}

// watch adapts an Oxia notification feed. It ends when either the feed or
// the owning Store closes.
type watch struct {
	src       eventSource
	storeDone <-chan struct{}
}

func (w *watch) Next(ctx context.Context) (metadata.Notification, error) {
	select {
	case ev, ok := <-w.src.Ch():
		if !ok {
			return metadata.Notification{}, metadata.ErrStoreClosed
		}
		return toNotification(ev), nil
	case <-w.storeDone:
		return metadata.Notification{}, metadata.ErrStoreClosed
	case <-ctx.Done():
		return metadata.Notification{}, ctx.Err()
	}
}

func (w *watch) Close() error {
	return w.src.Close()
}

// toNotification drops the value, which Oxia events do not carry.
func toNotification(ev *oxiaclient.Notification) metadata.Notification {
	if ev.Type == oxiaclient.KeyDeleted || ev.Type == oxiaclient.KeyRangeRangeDeleted {
		return metadata.Notification{Key: ev.Key, Deleted: true}
	}
	return metadata.Notification{Key: ev.Key, Version: toVersion(ev.VersionId)}
}
