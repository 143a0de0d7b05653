package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultSendNowTimeout = 10 * time.Second

// JobSignaler is the dispatcher surface the delivery service depends on.
type JobSignaler interface {
	Wake(channel domain.Channel)
	Await(jobID string) (<-chan AttemptOutcome, func())
}

type DeliveryServiceOptions struct {
	MaxAttempts    int
	SendNowTimeout time.Duration
}

// DeliveryService accepts delivery jobs and reports their status. Queued and
// send-now jobs share one table and lifecycle.
type DeliveryService struct {
	jobs           repository.JobRepository
	attempts       repository.AttemptRepository
	signaler       JobSignaler
	logger         *zap.Logger
	maxAttempts    int
	sendNowTimeout time.Duration
	now            func() time.Time
}

// SendNowResult is the job as seen after its first attempt resolved.
type SendNowResult struct {
	Job     domain.DeliveryJob
	Outcome domain.OutcomeKind
}

// JobStatus is a job together with its attempt audit trail.
type JobStatus struct {
	Job      domain.DeliveryJob
	Attempts []domain.DeliveryAttempt
}

func NewDeliveryService(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	signaler JobSignaler,
	opts DeliveryServiceOptions,
	logger *zap.Logger,
) (*DeliveryService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if signaler == nil {
		return nil, fmt.Errorf("job signaler is required")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = domain.DefaultMaxAttempts
	}
	if opts.SendNowTimeout <= 0 {
		opts.SendNowTimeout = defaultSendNowTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryService{
		jobs:           jobs,
		attempts:       attempts,
		signaler:       signaler,
		logger:         logger,
		maxAttempts:    opts.MaxAttempts,
		sendNowTimeout: opts.SendNowTimeout,
		now:            time.Now,
	}, nil
}

// Enqueue persists the job as QUEUED and wakes the channel's workers.
func (s *DeliveryService) Enqueue(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.prepareJobForCreate(job); err != nil {
		return nil, err
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create delivery job: %w", err)
	}

	s.signaler.Wake(job.Channel)
	s.logger.Info("delivery job queued",
		zap.String("jobId", job.ID),
		zap.String("tenantId", job.TenantID),
		zap.String("channel", job.Channel.String()),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// SendNow enqueues an urgent job and waits for its first attempt. On timeout
// the job keeps going asynchronously and ErrSendTimeout is returned together
// with the job as last persisted.
func (s *DeliveryService) SendNow(ctx context.Context, job *domain.DeliveryJob) (*SendNowResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	job.Urgent = true
	job.Priority = domain.PriorityUrgent
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	outcomes, cancel := s.signaler.Await(job.ID)
	defer cancel()

	queued, err := s.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.sendNowTimeout)
	defer timer.Stop()

	select {
	case outcome := <-outcomes:
		return &SendNowResult{Job: outcome.Job, Outcome: outcome.Result.ErrorKind}, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	current, err := s.jobs.GetByID(context.WithoutCancel(ctx), queued.ID)
	if err != nil {
		current = queued
	}
	s.logger.Warn("send-now timed out, job continues asynchronously",
		zap.String("jobId", queued.ID),
		zap.String("status", current.Status.String()),
	)
	return &SendNowResult{Job: *current}, domain.ErrSendTimeout
}

// GetStatus returns a job owned by tenantID. Jobs of other tenants are
// reported as not found.
func (s *DeliveryService) GetStatus(ctx context.Context, tenantID, id string) (*JobStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}

	status := &JobStatus{Job: *job}
	if s.attempts != nil {
		attempts, err := s.attempts.GetByJobID(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to load attempts: %w", err)
		}
		status.Attempts = attempts
	}
	return status, nil
}

func (s *DeliveryService) prepareJobForCreate(j *domain.DeliveryJob) error {
	if j == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	j.TenantID = strings.TrimSpace(j.TenantID)
	j.Recipient = strings.TrimSpace(j.Recipient)
	j.TemplateKey = strings.TrimSpace(j.TemplateKey)
	j.CorrelationID = strings.TrimSpace(j.CorrelationID)

	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = s.maxAttempts
	}

	now := s.now().UTC()
	j.Status = domain.StatusQueued
	j.AttemptCount = 0
	j.Version = 0
	j.NextEligibleAt = now
	j.CreatedAt = now
	j.UpdatedAt = now
	j.ProviderMessageID = nil
	j.LastError = nil
	j.FailureReason = nil
	j.SentAt, j.DeliveredAt, j.OpenedAt, j.ClickedAt, j.BouncedAt = nil, nil, nil, nil, nil

	return j.Validate()
}
