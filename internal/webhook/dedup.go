package webhook

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultDedupTTL = 72 * time.Hour

// Deduplicator suppresses repeated deliveries of the same provider event.
type Deduplicator interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// MemoryDeduplicator is a single-process Deduplicator with TTL eviction.
type MemoryDeduplicator struct {
	seen *gocache.Cache
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &MemoryDeduplicator{seen: gocache.New(ttl, time.Hour)}
}

func (d *MemoryDeduplicator) FirstSeen(_ context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return true, nil
	}
	// Add fails when the key is present and unexpired.
	return d.seen.Add(eventID, struct{}{}, gocache.DefaultExpiration) == nil, nil
}

func (d *MemoryDeduplicator) Forget(_ context.Context, eventID string) error {
	d.seen.Delete(strings.TrimSpace(eventID))
	return nil
}
