package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/webhook"
	goredis "github.com/redis/go-redis/v9"
)

const defaultDedupTTL = 72 * time.Hour

var _ webhook.Deduplicator = (*EventDeduplicator)(nil)

// EventDeduplicator remembers processed webhook event ids across replicas.
type EventDeduplicator struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewEventDeduplicator(client *goredis.Client, ttl time.Duration) (*EventDeduplicator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &EventDeduplicator{client: client, ttl: ttl}, nil
}

// FirstSeen records the event id and reports whether it had not been seen before.
func (d *EventDeduplicator) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return true, nil
	}

	ok, err := d.client.SetNX(ctx, "webhook:event:"+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return ok, nil
}

// Forget drops a recorded event id so a later redelivery is processed again.
func (d *EventDeduplicator) Forget(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil
	}
	if err := d.client.Del(ctx, "webhook:event:"+eventID).Err(); err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}
