package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	defaultPollInterval  = time.Second
	limiterErrorBackoff  = 5 * time.Second
	maxRetryDelay        = 60 * time.Second
	baseRetryDelay       = time.Second
	maxRetryJitterMillis = 250
)

// AttemptOutcome is published to SendNow waiters once a job's first
// admitted attempt resolves.
type AttemptOutcome struct {
	Job    domain.DeliveryJob
	Result provider.SendResult
}

type DispatcherOptions struct {
	// Workers is the worker pool size per channel.
	Workers      map[domain.Channel]int
	PollInterval time.Duration
}

// Dispatcher runs per-channel worker pools that claim eligible jobs, ask the
// rate limiter for admission, and hand admitted jobs to the channel sender.
type Dispatcher struct {
	jobs         repository.JobRepository
	attempts     repository.AttemptRepository
	sender       provider.Sender
	rateLimiter  ratelimit.RateLimiter
	logger       *zap.Logger
	metrics      *observability.Metrics
	workers      map[domain.Channel]int
	pollInterval time.Duration
	wake         map[domain.Channel]chan struct{}
	now          func() time.Time
	randIntn     func(n int) int

	mu      sync.Mutex
	waiters map[string][]chan AttemptOutcome
}

func NewDispatcher(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	sender provider.Sender,
	rateLimiter ratelimit.RateLimiter,
	opts DispatcherOptions,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := make(map[domain.Channel]int, len(domain.Channels))
	wake := make(map[domain.Channel]chan struct{}, len(domain.Channels))
	for _, channel := range domain.Channels {
		n := opts.Workers[channel]
		if n < minWorkerConcurrency {
			n = minWorkerConcurrency
		}
		workers[channel] = n
		wake[channel] = make(chan struct{}, 1)
	}

	return &Dispatcher{
		jobs:         jobs,
		attempts:     attempts,
		sender:       sender,
		rateLimiter:  rateLimiter,
		logger:       logger,
		workers:      workers,
		pollInterval: opts.PollInterval,
		wake:         wake,
		now:          time.Now,
		randIntn:     rand.Intn,
		waiters:      make(map[string][]chan AttemptOutcome),
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Start runs every channel's worker pool until context cancellation.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, channel := range domain.Channels {
		for i := 0; i < d.workers[channel]; i++ {
			workerID := i + 1
			g.Go(func() error {
				d.logger.Info("worker started",
					zap.Int("workerId", workerID),
					zap.String("channel", channel.String()),
				)
				d.runWorker(groupCtx, channel)
				d.logger.Info("worker stopped",
					zap.Int("workerId", workerID),
					zap.String("channel", channel.String()),
				)
				return nil
			})
		}
	}

	return g.Wait()
}

// Wake nudges an idle worker of the channel to look for work now.
func (d *Dispatcher) Wake(channel domain.Channel) {
	ch, ok := d.wake[channel]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Await registers interest in the first attempt outcome of a job. The
// returned cancel func must be called when the caller stops waiting.
func (d *Dispatcher) Await(jobID string) (<-chan AttemptOutcome, func()) {
	ch := make(chan AttemptOutcome, 1)

	d.mu.Lock()
	d.waiters[jobID] = append(d.waiters[jobID], ch)
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		current := d.waiters[jobID]
		for i := range current {
			if current[i] == ch {
				current = append(current[:i], current[i+1:]...)
				break
			}
		}
		if len(current) == 0 {
			delete(d.waiters, jobID)
			return
		}
		d.waiters[jobID] = current
	}
	return ch, cancel
}

func (d *Dispatcher) notify(outcome AttemptOutcome) {
	d.mu.Lock()
	waiters := d.waiters[outcome.Job.ID]
	delete(d.waiters, outcome.Job.ID)
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, channel domain.Channel) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := d.dispatchNext(ctx, channel)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch failed",
				zap.String("channel", channel.String()),
				zap.Error(err),
			)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake[channel]:
		case <-time.After(d.pollInterval):
		}
	}
}

// dispatchNext claims and handles at most one job. It reports whether a job
// was claimed.
func (d *Dispatcher) dispatchNext(ctx context.Context, channel domain.Channel) (bool, error) {
	job, err := d.jobs.ClaimNext(ctx, channel, d.now().UTC())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if job.AttemptCount >= job.MaxAttempts {
		return true, d.fail(context.WithoutCancel(ctx), job, "retry_exhausted")
	}

	channelName := strings.ToLower(channel.String())
	admission, err := d.rateLimiter.Admit(ctx, channelName, job.TenantID)
	if err != nil {
		if releaseErr := d.release(ctx, job, limiterErrorBackoff); releaseErr != nil {
			return true, fmt.Errorf("rate limiter admit failed: %w (release failed: %v)", err, releaseErr)
		}
		return true, fmt.Errorf("rate limiter admit failed: %w", err)
	}
	if !admission.Allowed {
		if d.metrics != nil {
			d.metrics.IncRateLimitDeferred(channelName)
		}
		d.logger.Debug("job deferred by rate limiter",
			zap.String("jobId", job.ID),
			zap.String("tenantId", job.TenantID),
			zap.Duration("retryAfter", admission.RetryAfter),
		)
		return true, d.release(ctx, job, admission.RetryAfter)
	}

	return true, d.deliver(ctx, job)
}

// release hands a claimed but unsent job back to the status it was claimed
// from. The attempt count is left untouched.
func (d *Dispatcher) release(ctx context.Context, job *domain.DeliveryJob, retryAfter time.Duration) error {
	expected := job.Version
	now := d.now().UTC()

	prior := domain.StatusQueued
	if job.AttemptCount > 0 {
		prior = domain.StatusRetryScheduled
	}
	if err := job.Transition(prior, now); err != nil {
		return err
	}
	job.NextEligibleAt = now.Add(retryAfter)

	if err := d.jobs.Update(context.WithoutCancel(ctx), job, expected); err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *domain.DeliveryJob) error {
	persistCtx := context.WithoutCancel(ctx)
	channelName := strings.ToLower(job.Channel.String())
	logger := d.logger.With(
		zap.String("jobId", job.ID),
		zap.String("tenantId", job.TenantID),
		zap.String("channel", job.Channel.String()),
	)
	if job.CorrelationID != "" {
		logger = logger.With(zap.String("correlationId", job.CorrelationID))
	}

	// The attempt is persisted before the provider call so a crash mid-send
	// still counts against the ceiling.
	job.AttemptCount++
	job.UpdatedAt = d.now().UTC()
	if err := d.jobs.Update(persistCtx, job, job.Version); err != nil {
		return fmt.Errorf("failed to record attempt start: %w", err)
	}

	if d.metrics != nil {
		d.metrics.IncWorkerInFlight(channelName)
		defer d.metrics.DecWorkerInFlight(channelName)
	}

	sendStart := d.now()
	providerResp, sendErr := d.sender.Send(ctx, *job)
	if d.metrics != nil {
		d.metrics.ObserveSendDuration(channelName, d.now().Sub(sendStart))
	}
	if sendErr != nil && errors.Is(ctx.Err(), context.Canceled) && errors.Is(sendErr, context.Canceled) {
		// Shutdown interrupted the call; the job goes back to the queue
		// and is picked up again on the next start.
		logger.Info("send interrupted, job released", zap.Int("attempt", job.AttemptCount))
		return d.release(ctx, job, 0)
	}
	result := provider.Classify(providerResp, sendErr)

	if err := d.recordAttempt(persistCtx, job.ID, job.AttemptCount, providerResp, result); err != nil {
		logger.Error("failed to record attempt", zap.Error(err))
	}

	expected := job.Version
	now := d.now().UTC()
	switch {
	case result.OK:
		if err := job.MarkSent(result.ProviderMessageID, now); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.IncDeliverySent(channelName)
		}

	case result.ErrorKind == domain.OutcomeTransientFailure && job.AttemptCount < job.MaxAttempts:
		if err := job.Transition(domain.StatusRetryScheduled, now); err != nil {
			return err
		}
		job.NextEligibleAt = now.Add(d.computeRetryDelay(job.AttemptCount))
		job.LastError = errorText(sendErr)
		if d.metrics != nil {
			d.metrics.IncRetryScheduled(channelName)
		}
		logger.Warn("transient send failure, retry scheduled",
			zap.Int("attempt", job.AttemptCount),
			zap.Time("nextEligibleAt", job.NextEligibleAt),
			zap.Error(sendErr),
		)

	default:
		if err := job.Transition(domain.StatusFailed, now); err != nil {
			return err
		}
		reason := provider.FailureReason(sendErr)
		if result.ErrorKind == domain.OutcomeTransientFailure {
			reason = "retry_exhausted"
		}
		job.FailureReason = &reason
		job.LastError = errorText(sendErr)
		if d.metrics != nil {
			d.metrics.IncDeliveryFailed(channelName, reason)
		}
		logger.Warn("delivery failed",
			zap.Int("attempt", job.AttemptCount),
			zap.String("reason", reason),
			zap.Error(sendErr),
		)
	}

	if err := d.jobs.Update(persistCtx, job, expected); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Warn("job changed while sending, outcome dropped", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to persist send outcome: %w", err)
	}

	d.notify(AttemptOutcome{Job: *job, Result: result})
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, job *domain.DeliveryJob, reason string) error {
	expected := job.Version
	if err := job.Transition(domain.StatusFailed, d.now().UTC()); err != nil {
		return err
	}
	job.FailureReason = &reason
	if err := d.jobs.Update(ctx, job, expected); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if d.metrics != nil {
		d.metrics.IncDeliveryFailed(strings.ToLower(job.Channel.String()), reason)
	}
	d.logger.Warn("delivery failed without send",
		zap.String("jobId", job.ID),
		zap.String("reason", reason),
	)
	d.notify(AttemptOutcome{Job: *job, Result: provider.SendResult{ErrorKind: domain.OutcomePermanentFailure}})
	return nil
}

func (d *Dispatcher) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if d.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = d.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	jobID string,
	attemptNumber int,
	providerResp *provider.ProviderResponse,
	result provider.SendResult,
) error {
	var statusCode *int
	if result.StatusCode > 0 {
		value := result.StatusCode
		statusCode = &value
	} else if providerResp != nil && providerResp.StatusCode > 0 {
		value := providerResp.StatusCode
		statusCode = &value
	}

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		JobID:         jobID,
		AttemptNumber: attemptNumber,
		Outcome:       result.ErrorKind,
		StatusCode:    statusCode,
		Error:         errorText(result.Err),
		CreatedAt:     d.now().UTC(),
	}

	return d.attempts.Create(ctx, attempt)
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	value := err.Error()
	return &value
}
