package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/webhook"
	"go.uber.org/zap"
)

const (
	defaultUnmatchedRetries = 3
	defaultUnmatchedDelay   = 2 * time.Second
	maxPendingEvents        = 10000
	maxApplyConflicts       = 3
)

// Webhook event results used in logs and metrics.
const (
	eventApplied   = "applied"
	eventStale     = "stale"
	eventUnmatched = "unmatched"
	eventDuplicate = "duplicate"
	eventIgnored   = "ignored"
	eventDropped   = "dropped"
	eventRejected  = "rejected"
	eventError     = "error"
)

// WhatsAppAuthenticator verifies the signature of a WhatsApp callback.
type WhatsAppAuthenticator interface {
	Verify(body []byte, signatureHeader string) error
}

// EmailEventParser authenticates and decodes an email provider callback.
type EmailEventParser interface {
	Parse(ctx context.Context, headers http.Header, body []byte) ([]webhook.Event, error)
}

type ReconcilerOptions struct {
	// UnmatchedRetries is how many times an event without a matching job is
	// retried before it is dropped.
	UnmatchedRetries int
	UnmatchedDelay   time.Duration
}

type pendingEvent struct {
	event    webhook.Event
	attempts int
	dueAt    time.Time
}

// Reconciler verifies provider callbacks and advances jobs monotonically.
type Reconciler struct {
	jobs             repository.JobRepository
	whatsApp         WhatsAppAuthenticator
	email            EmailEventParser
	dedup            webhook.Deduplicator
	logger           *zap.Logger
	metrics          *observability.Metrics
	unmatchedRetries int
	unmatchedDelay   time.Duration
	now              func() time.Time

	mu      sync.Mutex
	pending []pendingEvent
}

func NewReconciler(
	jobs repository.JobRepository,
	whatsApp WhatsAppAuthenticator,
	email EmailEventParser,
	dedup webhook.Deduplicator,
	opts ReconcilerOptions,
	logger *zap.Logger,
) (*Reconciler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if dedup == nil {
		dedup = webhook.NewMemoryDeduplicator(0)
	}
	if opts.UnmatchedRetries < 0 {
		opts.UnmatchedRetries = 0
	} else if opts.UnmatchedRetries == 0 {
		opts.UnmatchedRetries = defaultUnmatchedRetries
	}
	if opts.UnmatchedDelay <= 0 {
		opts.UnmatchedDelay = defaultUnmatchedDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		jobs:             jobs,
		whatsApp:         whatsApp,
		email:            email,
		dedup:            dedup,
		logger:           logger,
		unmatchedRetries: opts.UnmatchedRetries,
		unmatchedDelay:   opts.UnmatchedDelay,
		now:              time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Handle verifies a raw callback for the channel and applies its events.
// Authenticity failures wrap domain.ErrAuthenticity and apply nothing.
func (r *Reconciler) Handle(ctx context.Context, channel domain.Channel, body []byte, headers http.Header) error {
	events, provider, err := r.parse(ctx, channel, body, headers)
	if err != nil {
		r.count(provider, eventRejected)
		r.logger.Warn("webhook rejected",
			zap.String("channel", channel.String()),
			zap.Error(err),
		)
		return err
	}

	return r.Apply(ctx, events)
}

func (r *Reconciler) parse(ctx context.Context, channel domain.Channel, body []byte, headers http.Header) ([]webhook.Event, string, error) {
	switch channel {
	case domain.ChannelWhatsApp:
		if r.whatsApp == nil {
			return nil, webhook.ProviderWhatsApp, fmt.Errorf("%w: whatsapp webhooks are not configured", domain.ErrAuthenticity)
		}
		if err := r.whatsApp.Verify(body, headers.Get(webhook.WhatsAppSignatureHeader)); err != nil {
			return nil, webhook.ProviderWhatsApp, err
		}
		events, err := webhook.ParseWhatsApp(body)
		return events, webhook.ProviderWhatsApp, err

	case domain.ChannelEmail:
		provider := webhook.ProviderSES
		if headers.Get(webhook.SendGridSignatureHeader) != "" {
			provider = webhook.ProviderSendGrid
		}
		if r.email == nil {
			return nil, provider, fmt.Errorf("%w: email webhooks are not configured", domain.ErrAuthenticity)
		}
		events, err := r.email.Parse(ctx, headers, body)
		return events, provider, err

	default:
		return nil, "unknown", fmt.Errorf("%w: unsupported channel %q", domain.ErrValidation, channel)
	}
}

// Apply deduplicates and applies verified events. Unmatched events are kept
// for a bounded number of delayed retries.
func (r *Reconciler) Apply(ctx context.Context, events []webhook.Event) error {
	var errs []error
	for _, event := range events {
		logger := r.logger.With(
			zap.String("provider", event.Provider),
			zap.String("eventId", event.EventID),
			zap.String("providerMessageId", event.ProviderMessageID),
			zap.String("type", event.Type),
		)

		if !event.Known() {
			r.count(event.Provider, eventIgnored)
			logger.Debug("webhook event type ignored")
			continue
		}

		first, err := r.dedup.FirstSeen(ctx, event.EventID)
		if err != nil {
			logger.Warn("webhook dedup unavailable", zap.Error(err))
			first = true
		}
		if !first {
			r.count(event.Provider, eventDuplicate)
			continue
		}

		result, err := r.apply(ctx, event)
		if err != nil {
			r.count(event.Provider, eventError)
			if forgetErr := r.dedup.Forget(context.WithoutCancel(ctx), event.EventID); forgetErr != nil {
				logger.Warn("failed to forget webhook event", zap.Error(forgetErr))
			}
			errs = append(errs, fmt.Errorf("apply event %s: %w", event.EventID, err))
			continue
		}

		r.count(event.Provider, result)
		switch result {
		case eventUnmatched:
			r.hold(ctx, event, 0)
			logger.Debug("webhook event has no matching job yet")
		case eventApplied:
			logger.Info("webhook event applied", zap.String("status", event.Status.String()))
		}
	}

	return errors.Join(errs...)
}

func (r *Reconciler) apply(ctx context.Context, event webhook.Event) (string, error) {
	for try := 0; try < maxApplyConflicts; try++ {
		job, err := r.jobs.GetByProviderMessageID(ctx, event.Channel, event.ProviderMessageID)
		if errors.Is(err, domain.ErrNotFound) {
			return eventUnmatched, nil
		}
		if err != nil {
			return "", err
		}

		if job.Status == event.Status || !domain.CanTransition(job.Status, event.Status) {
			return eventStale, nil
		}

		expected := job.Version
		at := event.Timestamp
		if at.IsZero() {
			at = r.now()
		}
		if err := job.Transition(event.Status, at); err != nil {
			return eventStale, nil
		}
		job.UpdatedAt = r.now().UTC()
		if event.Status == domain.StatusBounced && event.Reason != "" {
			reason := event.Reason
			job.FailureReason = &reason
		}

		err = r.jobs.Update(ctx, job, expected)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return eventApplied, nil
	}

	return "", fmt.Errorf("%w: job for %s kept changing", domain.ErrConflict, event.ProviderMessageID)
}

// hold queues an unmatched event for a delayed retry. When the backlog is
// full the oldest event is dropped and its dedup key released.
func (r *Reconciler) hold(ctx context.Context, event webhook.Event, attempts int) {
	r.mu.Lock()
	var dropped *pendingEvent
	if len(r.pending) >= maxPendingEvents {
		oldest := r.pending[0]
		dropped = &oldest
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, pendingEvent{
		event:    event,
		attempts: attempts,
		dueAt:    r.now().Add(r.unmatchedDelay),
	})
	r.mu.Unlock()

	if dropped == nil {
		return
	}
	r.logger.Warn("unmatched webhook backlog full, dropping oldest event",
		zap.String("eventId", dropped.event.EventID),
	)
	r.count(dropped.event.Provider, eventDropped)
	r.forget(context.WithoutCancel(ctx), dropped.event.EventID)
}

// Start retries unmatched events until context cancellation. Events still
// pending at shutdown have their dedup keys released so a provider
// redelivery after restart is processed.
func (r *Reconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(r.unmatchedDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.releasePending(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			r.retryPending(ctx)
		}
	}
}

func (r *Reconciler) releasePending(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range pending {
		r.forget(ctx, p.event.EventID)
	}
	if len(pending) > 0 {
		r.logger.Info("released unmatched webhook events", zap.Int("count", len(pending)))
	}
}

func (r *Reconciler) forget(ctx context.Context, eventID string) {
	if err := r.dedup.Forget(ctx, eventID); err != nil {
		r.logger.Warn("failed to forget webhook event",
			zap.String("eventId", eventID),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) retryPending(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var due []pendingEvent
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.dueAt.After(now) {
			kept = append(kept, p)
			continue
		}
		due = append(due, p)
	}
	r.pending = kept
	r.mu.Unlock()

	for _, p := range due {
		logger := r.logger.With(
			zap.String("eventId", p.event.EventID),
			zap.String("providerMessageId", p.event.ProviderMessageID),
		)

		result, err := r.apply(ctx, p.event)
		if err != nil {
			logger.Warn("retrying unmatched webhook event failed", zap.Error(err))
			result = eventUnmatched
		}
		if result != eventUnmatched {
			r.count(p.event.Provider, result)
			continue
		}

		attempts := p.attempts + 1
		if attempts < r.unmatchedRetries {
			r.hold(ctx, p.event, attempts)
			continue
		}

		r.count(p.event.Provider, eventDropped)
		logger.Warn("webhook event dropped, no matching job",
			zap.Int("attempts", attempts),
			zap.String("status", p.event.Status.String()),
		)
		r.forget(ctx, p.event.EventID)
	}
}

// PendingCount reports unmatched events waiting for a retry.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) count(provider, result string) {
	if r.metrics != nil {
		r.metrics.IncWebhookEvent(provider, result)
	}
}
