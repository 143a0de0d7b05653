package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu     sync.Mutex
	calls  int
	sendFn func(ctx context.Context, job domain.DeliveryJob) (*provider.ProviderResponse, error)
}

func (f *fakeSender) Send(ctx context.Context, job domain.DeliveryJob) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(ctx, job)
	}
	return &provider.ProviderResponse{StatusCode: 200, MessageID: "msg-" + job.ID}, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRateLimiter struct {
	admitFn func(ctx context.Context, channel, tenant string) (ratelimit.Admission, error)
}

func (f *fakeRateLimiter) Admit(ctx context.Context, channel, tenant string) (ratelimit.Admission, error) {
	if f.admitFn != nil {
		return f.admitFn(ctx, channel, tenant)
	}
	return ratelimit.Admission{Allowed: true}, nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeSignaler struct {
	wakeFn  func(channel domain.Channel)
	awaitFn func(jobID string) (<-chan AttemptOutcome, func())
}

func (f *fakeSignaler) Wake(channel domain.Channel) {
	if f.wakeFn != nil {
		f.wakeFn(channel)
	}
}

func (f *fakeSignaler) Await(jobID string) (<-chan AttemptOutcome, func()) {
	if f.awaitFn != nil {
		return f.awaitFn(jobID)
	}
	return make(chan AttemptOutcome), func() {}
}

var _ JobSignaler = (*fakeSignaler)(nil)

type fakeAlertSink struct {
	mu      sync.Mutex
	alerts  []domain.Alert
	raiseFn func(ctx context.Context, alert domain.Alert) error
}

func (f *fakeAlertSink) Raise(ctx context.Context, alert domain.Alert) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, alert)
	f.mu.Unlock()
	if f.raiseFn != nil {
		return f.raiseFn(ctx, alert)
	}
	return nil
}

func (f *fakeAlertSink) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.alerts))
	for _, a := range f.alerts {
		names = append(names, a.Name)
	}
	return names
}

type fakePublisher struct {
	publishFn func(ctx context.Context, msg queue.AlertMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.AlertMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

var _ queue.Publisher = (*fakePublisher)(nil)

// seedJob stores a dispatchable email job and returns it as persisted.
func seedJob(t *testing.T, store *repository.MemoryStore, mutate func(j *domain.DeliveryJob)) *domain.DeliveryJob {
	t.Helper()

	job := &domain.DeliveryJob{
		ID:             "job-1",
		TenantID:       "tenant-a",
		Channel:        domain.ChannelEmail,
		Recipient:      "buyer@example.com",
		TemplateKey:    provider.TemplateDownloadReady,
		Priority:       domain.PriorityNormal,
		Status:         domain.StatusQueued,
		MaxAttempts:    3,
		NextEligibleAt: testNow.Add(-time.Minute),
		CreatedAt:      testNow.Add(-time.Minute),
		UpdatedAt:      testNow.Add(-time.Minute),
	}
	if mutate != nil {
		mutate(job)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

func mustGetJob(t *testing.T, store *repository.MemoryStore, id string) *domain.DeliveryJob {
	t.Helper()

	job, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%q) error = %v", id, err)
	}
	return job
}

func strPtr(s string) *string { return &s }
