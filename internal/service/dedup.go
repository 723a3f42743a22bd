package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers provider event IDs for a retention window so
// redelivered webhook events can be skipped before any database work.
// An event is only recorded once its transition has been applied, so a
// delivery that failed on a transient error stays unseen and the
// provider's redelivery gets a second chance. It is strictly
// best-effort: when Redis is unavailable every event is treated as
// unseen and the conditional write absorbs the duplicate.
type EventDeduper struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewEventDeduper(client *redis.Client, ttl time.Duration, logger *slog.Logger) *EventDeduper {
	return &EventDeduper{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Seen reports whether the event ID was already processed successfully.
func (d *EventDeduper) Seen(ctx context.Context, eventID string) bool {
	n, err := d.client.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		d.logger.WarnContext(ctx, "Event dedup unavailable, processing anyway", "error", err, "event_id", eventID)
		return false
	}
	return n > 0
}

// MarkProcessed records the event ID for the retention window.
func (d *EventDeduper) MarkProcessed(ctx context.Context, eventID string) {
	if err := d.client.Set(ctx, eventKey(eventID), 1, d.ttl).Err(); err != nil {
		d.logger.WarnContext(ctx, "Failed to record processed event", "error", err, "event_id", eventID)
	}
}

func eventKey(eventID string) string {
	return "billing:event:" + eventID
}
