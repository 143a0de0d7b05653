package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestEventDeduplicator(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dedup, err := NewEventDeduplicator(rdb, time.Hour)
	if err != nil {
		t.Fatalf("NewEventDeduplicator() error = %v", err)
	}
	ctx := context.Background()

	first, err := dedup.FirstSeen(ctx, "evt-1")
	if err != nil || !first {
		t.Fatalf("FirstSeen(evt-1) = (%v, %v), want (true, nil)", first, err)
	}
	again, err := dedup.FirstSeen(ctx, "evt-1")
	if err != nil || again {
		t.Fatalf("second FirstSeen(evt-1) = (%v, %v), want (false, nil)", again, err)
	}

	if err := dedup.Forget(ctx, "evt-1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	afterForget, err := dedup.FirstSeen(ctx, "evt-1")
	if err != nil || !afterForget {
		t.Fatalf("FirstSeen after Forget = (%v, %v), want (true, nil)", afterForget, err)
	}

	mr.FastForward(2 * time.Hour)
	expired, err := dedup.FirstSeen(ctx, "evt-1")
	if err != nil || !expired {
		t.Fatalf("FirstSeen after ttl = (%v, %v), want (true, nil)", expired, err)
	}

	blank, err := dedup.FirstSeen(ctx, "  ")
	if err != nil || !blank {
		t.Fatalf("FirstSeen(blank) = (%v, %v), want (true, nil)", blank, err)
	}
}

func TestEventDeduplicator_RequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := NewEventDeduplicator(nil, 0); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestEventDeduplicator_RedisDown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	dedup, err := NewEventDeduplicator(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewEventDeduplicator() error = %v", err)
	}

	mr.Close()
	if _, err := dedup.FirstSeen(context.Background(), "evt-2"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
