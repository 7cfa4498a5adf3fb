package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

// FeedStore is the durable per-identity notification feed for events
// that could not be pushed live.
type FeedStore interface {
	Append(ctx context.Context, event domain.NotificationEvent) error
	// DrainUndelivered returns undelivered events in creation order per
	// kind and marks them delivered.
	DrainUndelivered(ctx context.Context, identity string) ([]domain.NotificationEvent, error)
}

// NotificationFanout pushes like/comment/follow/story events to every
// active connection of the target, falling back to the durable feed when
// the target is offline.
type NotificationFanout struct {
	feed     FeedStore
	registry *Registry
}

func NewNotificationFanout(feed FeedStore, registry *Registry) *NotificationFanout {
	return &NotificationFanout{feed: feed, registry: registry}
}

func (f *NotificationFanout) Publish(ctx context.Context, event domain.NotificationEvent) (domain.NotificationEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if !f.registry.HasConnections(event.TargetID) {
		event.Delivered = false
		if err := f.feed.Append(ctx, event); err != nil {
			return event, fmt.Errorf("append feed: %w", err)
		}
		commonlog.Debugf("event=notify action=publish status=queued target=%s kind=%s id=%s", event.TargetID, event.Kind, event.ID)
		return event, nil
	}

	event.Delivered = true
	frame, err := encodeEvent(EventNotificationPush, event)
	if err != nil {
		return event, err
	}
	if f.registry.BroadcastToIdentity(event.TargetID, frame) == 0 {
		// Lost the race against a disconnect; keep the event durable.
		event.Delivered = false
		if err := f.feed.Append(ctx, event); err != nil {
			return event, fmt.Errorf("append feed: %w", err)
		}
		return event, nil
	}
	commonlog.Debugf("event=notify action=publish status=pushed target=%s kind=%s id=%s", event.TargetID, event.Kind, event.ID)
	return event, nil
}

// DrainFeed is invoked on connection registration so a client catches up
// on notifications missed while offline.
func (f *NotificationFanout) DrainFeed(ctx context.Context, identity string) ([]domain.NotificationEvent, error) {
	events, err := f.feed.DrainUndelivered(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("drain feed: %w", err)
	}
	if len(events) > 0 {
		commonlog.Infof("event=notify action=feed_drain identity=%s count=%d", identity, len(events))
	}
	return events, nil
}
