package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepLimit    = 100
	defaultSendingLease  = 15 * time.Minute
)

// StaleSweeper periodically hands back jobs left in SENDING past their lease,
// e.g. after a worker crash.
type StaleSweeper struct {
	jobs     repository.JobRepository
	signaler interface{ Wake(domain.Channel) }
	logger   *zap.Logger
	lease    time.Duration
	interval time.Duration
	limit    int
	now      func() time.Time
}

func NewStaleSweeper(
	jobs repository.JobRepository,
	signaler interface{ Wake(domain.Channel) },
	lease time.Duration,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*StaleSweeper, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if lease <= 0 {
		lease = defaultSendingLease
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleSweeper{
		jobs:     jobs,
		signaler: signaler,
		logger:   logger,
		lease:    lease,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (s *StaleSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial sweep so jobs orphaned by a previous process do not wait for the first tick.
	if _, err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

// sweep releases expired SENDING jobs and reports how many it moved. Jobs
// whose attempts are exhausted are failed instead.
func (s *StaleSweeper) sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.jobs.ListStale(ctx, []domain.Status{domain.StatusSending}, now.Add(-s.lease), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale jobs: %w", err)
	}

	moved := 0
	woken := make(map[domain.Channel]bool)
	for i := range stale {
		job := stale[i]
		expected := job.Version

		next := domain.StatusRetryScheduled
		switch {
		case job.AttemptCount >= job.MaxAttempts:
			next = domain.StatusFailed
			reason := "lease_expired"
			job.FailureReason = &reason
		case job.AttemptCount == 0:
			next = domain.StatusQueued
		}
		if err := job.Transition(next, now); err != nil {
			s.logger.Error("stale job cannot be released",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}
		job.NextEligibleAt = now

		if err := s.jobs.Update(ctx, &job, expected); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			s.logger.Error("failed to release stale job",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}

		moved++
		s.logger.Warn("stale sending job released",
			zap.String("jobId", job.ID),
			zap.String("status", next.String()),
			zap.Int("attempts", job.AttemptCount),
		)
		if next != domain.StatusFailed && s.signaler != nil && !woken[job.Channel] {
			s.signaler.Wake(job.Channel)
			woken[job.Channel] = true
		}
	}

	return moved, nil
}
