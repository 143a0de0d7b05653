package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

func newTestDeliveryService(t *testing.T, store *repository.MemoryStore, signaler JobSignaler, timeout time.Duration) *DeliveryService {
	t.Helper()

	svc, err := NewDeliveryService(store, repository.NewMemoryAttemptRepo(), signaler, DeliveryServiceOptions{
		MaxAttempts:    3,
		SendNowTimeout: timeout,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestDeliveryServiceEnqueue(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	var woken []domain.Channel
	svc := newTestDeliveryService(t, store, &fakeSignaler{
		wakeFn: func(channel domain.Channel) { woken = append(woken, channel) },
	}, time.Second)

	job, err := svc.Enqueue(context.Background(), &domain.DeliveryJob{
		TenantID:    " tenant-a ",
		Channel:     domain.ChannelWhatsApp,
		Recipient:   "+905551112233",
		TemplateKey: provider.TemplateDownloadReady,
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusSent,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if job.ID == "" {
		t.Fatal("job id should be generated")
	}
	if job.TenantID != "tenant-a" {
		t.Fatalf("tenant id = %q, want trimmed", job.TenantID)
	}
	if job.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", job.MaxAttempts)
	}
	if !job.NextEligibleAt.Equal(testNow) {
		t.Fatalf("next eligible at = %v, want %v", job.NextEligibleAt, testNow)
	}
	if len(woken) != 1 || woken[0] != domain.ChannelWhatsApp {
		t.Fatalf("woken = %v, want [WHATSAPP]", woken)
	}

	stored := mustGetJob(t, store, job.ID)
	if stored.Status != domain.StatusQueued {
		t.Fatalf("stored status = %s, want QUEUED", stored.Status)
	}
}

func TestDeliveryServiceEnqueueValidation(t *testing.T) {
	t.Parallel()

	svc := newTestDeliveryService(t, repository.NewMemoryStore(), &fakeSignaler{}, time.Second)

	tests := []struct {
		name string
		job  *domain.DeliveryJob
	}{
		{name: "nil job", job: nil},
		{name: "missing tenant", job: &domain.DeliveryJob{Channel: domain.ChannelEmail, Recipient: "a@example.com", TemplateKey: "k"}},
		{name: "bad email", job: &domain.DeliveryJob{TenantID: "t", Channel: domain.ChannelEmail, Recipient: "not-an-email", TemplateKey: "k"}},
		{name: "bad phone", job: &domain.DeliveryJob{TenantID: "t", Channel: domain.ChannelWhatsApp, Recipient: "12", TemplateKey: "k"}},
		{name: "bad channel", job: &domain.DeliveryJob{TenantID: "t", Channel: "SMS", Recipient: "a@example.com", TemplateKey: "k"}},
		{name: "bad priority", job: &domain.DeliveryJob{TenantID: "t", Channel: domain.ChannelEmail, Recipient: "a@example.com", TemplateKey: "k", Priority: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), tt.job)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Enqueue() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestDeliveryServiceSendNowReturnsOutcome(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	outcomes := make(chan AttemptOutcome, 1)
	var awaited string
	signaler := &fakeSignaler{
		awaitFn: func(jobID string) (<-chan AttemptOutcome, func()) {
			awaited = jobID
			return outcomes, func() {}
		},
		wakeFn: func(channel domain.Channel) {
			id := "ses-1"
			outcomes <- AttemptOutcome{
				Job:    domain.DeliveryJob{ID: awaited, Status: domain.StatusSent, ProviderMessageID: &id},
				Result: provider.SendResult{OK: true, ErrorKind: domain.OutcomeSuccess},
			}
		},
	}
	svc := newTestDeliveryService(t, store, signaler, time.Second)

	result, err := svc.SendNow(context.Background(), &domain.DeliveryJob{
		TenantID:    "tenant-a",
		Channel:     domain.ChannelEmail,
		Recipient:   "buyer@example.com",
		TemplateKey: provider.TemplateDownloadReady,
		Priority:    domain.PriorityBulk,
	})
	if err != nil {
		t.Fatalf("SendNow() error = %v", err)
	}
	if result.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s, want SUCCESS", result.Outcome)
	}
	if result.Job.ID != awaited {
		t.Fatalf("job id = %q, want %q", result.Job.ID, awaited)
	}

	stored := mustGetJob(t, store, awaited)
	if !stored.Urgent || stored.Priority != domain.PriorityUrgent {
		t.Fatalf("stored job urgent=%v priority=%d, want urgent priority 0", stored.Urgent, stored.Priority)
	}
}

func TestDeliveryServiceSendNowTimeout(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	svc := newTestDeliveryService(t, store, &fakeSignaler{}, 20*time.Millisecond)

	result, err := svc.SendNow(context.Background(), &domain.DeliveryJob{
		TenantID:    "tenant-a",
		Channel:     domain.ChannelEmail,
		Recipient:   "buyer@example.com",
		TemplateKey: provider.TemplateDownloadReady,
	})
	if !errors.Is(err, domain.ErrSendTimeout) {
		t.Fatalf("SendNow() error = %v, want ErrSendTimeout", err)
	}
	if result == nil {
		t.Fatal("timeout should still return the job")
	}
	if result.Job.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", result.Job.Status)
	}
	if _, err := store.GetByID(context.Background(), result.Job.ID); err != nil {
		t.Fatalf("job should stay persisted after timeout: %v", err)
	}
}

func TestDeliveryServiceSendNowThroughDispatcher(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	attempts := repository.NewMemoryAttemptRepo()
	d, err := NewDispatcher(store, attempts, &fakeSender{}, &fakeRateLimiter{}, DispatcherOptions{PollInterval: time.Hour}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	svc, err := NewDeliveryService(store, attempts, d, DeliveryServiceOptions{SendNowTimeout: 2 * time.Second}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	result, err := svc.SendNow(context.Background(), &domain.DeliveryJob{
		TenantID:    "tenant-a",
		Channel:     domain.ChannelEmail,
		Recipient:   "buyer@example.com",
		TemplateKey: provider.TemplateDownloadReady,
	})
	if err != nil {
		t.Fatalf("SendNow() error = %v", err)
	}
	if result.Job.Status != domain.StatusSent {
		t.Fatalf("status = %s, want SENT", result.Job.Status)
	}
	if result.Job.ProviderMessageID == nil || *result.Job.ProviderMessageID != "msg-"+result.Job.ID {
		t.Fatalf("provider message id = %v", result.Job.ProviderMessageID)
	}
}

func TestDeliveryServiceGetStatusTenantIsolation(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	seedJob(t, store, nil)
	attempts := repository.NewMemoryAttemptRepo()
	if err := attempts.Create(context.Background(), &domain.DeliveryAttempt{
		ID: "a1", JobID: "job-1", AttemptNumber: 1, Outcome: domain.OutcomeTransientFailure, Error: strPtr("timeout"),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	svc, err := NewDeliveryService(store, attempts, &fakeSignaler{}, DeliveryServiceOptions{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}

	status, err := svc.GetStatus(context.Background(), "tenant-a", "job-1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Job.ID != "job-1" || len(status.Attempts) != 1 {
		t.Fatalf("status = %+v, want job-1 with one attempt", status)
	}

	if _, err := svc.GetStatus(context.Background(), "tenant-b", "job-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetStatus() other tenant error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetStatus(context.Background(), "tenant-a", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetStatus() missing error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetStatus(context.Background(), "tenant-a", " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("GetStatus() blank id error = %v, want ErrValidation", err)
	}
}
