package service

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

func TestNewStaleSweeperDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewStaleSweeper(nil, nil, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil job repository")
	}

	s, err := NewStaleSweeper(repository.NewMemoryStore(), nil, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewStaleSweeper() error = %v", err)
	}
	if s.lease != defaultSendingLease || s.interval != defaultSweepInterval || s.limit != defaultSweepLimit {
		t.Fatalf("defaults = (%s, %s, %d)", s.lease, s.interval, s.limit)
	}
}

func TestStaleSweeperSweep(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	old := testNow.Add(-time.Hour)
	seedJob(t, store, func(j *domain.DeliveryJob) {
		j.ID = "never-sent"
		j.Status = domain.StatusSending
		j.UpdatedAt = old
	})
	seedJob(t, store, func(j *domain.DeliveryJob) {
		j.ID = "mid-retry"
		j.Status = domain.StatusSending
		j.AttemptCount = 1
		j.UpdatedAt = old
	})
	seedJob(t, store, func(j *domain.DeliveryJob) {
		j.ID = "exhausted"
		j.Status = domain.StatusSending
		j.AttemptCount = 3
		j.UpdatedAt = old
	})
	seedJob(t, store, func(j *domain.DeliveryJob) {
		j.ID = "fresh"
		j.Status = domain.StatusSending
		j.AttemptCount = 1
		j.UpdatedAt = testNow.Add(-time.Minute)
	})

	var woken []domain.Channel
	s, err := NewStaleSweeper(store, &fakeSignaler{
		wakeFn: func(channel domain.Channel) { woken = append(woken, channel) },
	}, 15*time.Minute, time.Minute, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStaleSweeper() error = %v", err)
	}
	s.now = func() time.Time { return testNow }

	moved, err := s.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if moved != 3 {
		t.Fatalf("moved = %d, want 3", moved)
	}

	want := map[string]domain.Status{
		"never-sent": domain.StatusQueued,
		"mid-retry":  domain.StatusRetryScheduled,
		"exhausted":  domain.StatusFailed,
		"fresh":      domain.StatusSending,
	}
	for id, status := range want {
		if got := mustGetJob(t, store, id).Status; got != status {
			t.Fatalf("%s status = %s, want %s", id, got, status)
		}
	}
	if reason := mustGetJob(t, store, "exhausted").FailureReason; reason == nil || *reason != "lease_expired" {
		t.Fatalf("exhausted failure reason = %v, want lease_expired", reason)
	}
	if len(woken) != 1 || woken[0] != domain.ChannelEmail {
		t.Fatalf("woken = %v, want [EMAIL]", woken)
	}
}

func TestStaleSweeperStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := NewStaleSweeper(repository.NewMemoryStore(), nil, time.Minute, 10*time.Millisecond, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStaleSweeper() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
