package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotFilter narrows a job snapshot. Zero values match everything.
type SnapshotFilter struct {
	From     time.Time
	To       time.Time
	Channel  *domain.Channel
	TenantID string
}

type JobRepository interface {
	Create(ctx context.Context, j *domain.DeliveryJob) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryJob, error)
	GetByProviderMessageID(ctx context.Context, channel domain.Channel, providerMessageID string) (*domain.DeliveryJob, error)
	// ClaimNext moves the most urgent eligible job of the channel to SENDING and
	// returns it, or nil when nothing is eligible.
	ClaimNext(ctx context.Context, channel domain.Channel, now time.Time) (*domain.DeliveryJob, error)
	// Update persists every mutable field if the stored version still matches
	// expectedVersion, and bumps the version. A lost race returns ErrConflict.
	Update(ctx context.Context, j *domain.DeliveryJob, expectedVersion int) error
	ListStale(ctx context.Context, statuses []domain.Status, updatedBefore time.Time, limit int) ([]domain.DeliveryJob, error)
	// CountStale counts jobs in the statuses that have been waiting since
	// before the cutoff. Queued and retry-scheduled jobs wait from their
	// next eligible time, so a deferred job is not stale until it is due.
	CountStale(ctx context.Context, statuses []domain.Status, waitingBefore time.Time) (int64, error)
	Snapshot(ctx context.Context, filter SnapshotFilter) ([]domain.JobSnapshot, error)
}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, j *domain.DeliveryJob) error {
	model := jobModelFromDomain(j)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if j != nil {
		*j = *jobModelToDomain(model)
	}
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	var model DeliveryJobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) GetByProviderMessageID(ctx context.Context, channel domain.Channel, providerMessageID string) (*domain.DeliveryJob, error) {
	var model DeliveryJobModel
	err := r.db.WithContext(ctx).
		Where("channel = ? AND provider_message_id = ?", channel, providerMessageID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) ClaimNext(ctx context.Context, channel domain.Channel, now time.Time) (*domain.DeliveryJob, error) {
	var claimed *domain.DeliveryJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []DeliveryJobModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("channel = ? AND status IN ? AND next_eligible_at <= ?",
				channel,
				[]domain.Status{domain.StatusQueued, domain.StatusRetryScheduled},
				now,
			).
			Order("priority ASC, next_eligible_at ASC, created_at ASC").
			Limit(1).
			Find(&models).Error
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}

		model := models[0]
		result := tx.
			Model(&DeliveryJobModel{}).
			Where("id = ? AND version = ?", model.ID, model.Version).
			Updates(map[string]any{
				"status":     domain.StatusSending,
				"version":    model.Version + 1,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		model.Status = domain.StatusSending
		model.Version++
		model.UpdatedAt = now
		claimed = jobModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return claimed, nil
}

func (r *GormJobRepo) Update(ctx context.Context, j *domain.DeliveryJob, expectedVersion int) error {
	if j == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryJobModel{}).
		Where("id = ? AND version = ?", j.ID, expectedVersion).
		Updates(map[string]any{
			"status":              j.Status,
			"attempt_count":       j.AttemptCount,
			"next_eligible_at":    j.NextEligibleAt,
			"provider_message_id": j.ProviderMessageID,
			"last_error":          j.LastError,
			"failure_reason":      j.FailureReason,
			"sent_at":             j.SentAt,
			"delivered_at":        j.DeliveredAt,
			"opened_at":           j.OpenedAt,
			"clicked_at":          j.ClickedAt,
			"bounced_at":          j.BouncedAt,
			"updated_at":          j.UpdatedAt,
			"version":             expectedVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s changed concurrently", domain.ErrConflict, j.ID)
	}

	j.Version = expectedVersion + 1
	return nil
}

func (r *GormJobRepo) ListStale(ctx context.Context, statuses []domain.Status, updatedBefore time.Time, limit int) ([]domain.DeliveryJob, error) {
	if limit < 1 {
		limit = 100
	}

	var models []DeliveryJobModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.DeliveryJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}

func (r *GormJobRepo) CountStale(ctx context.Context, statuses []domain.Status, waitingBefore time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&DeliveryJobModel{}).
		Where("status IN ? AND updated_at < ?", statuses, waitingBefore).
		Where("(status NOT IN ? OR next_eligible_at < ?)",
			[]domain.Status{domain.StatusQueued, domain.StatusRetryScheduled},
			waitingBefore,
		).
		Count(&count).Error
	return count, err
}

func (r *GormJobRepo) Snapshot(ctx context.Context, filter SnapshotFilter) ([]domain.JobSnapshot, error) {
	query := r.db.WithContext(ctx).
		Model(&DeliveryJobModel{}).
		Select("id, tenant_id, channel, status, attempt_count, sent_at, delivered_at, created_at, updated_at")

	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To)
	}
	if filter.Channel != nil {
		query = query.Where("channel = ?", *filter.Channel)
	}
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}

	var models []DeliveryJobModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	snapshots := make([]domain.JobSnapshot, 0, len(models))
	for i := range models {
		snapshots = append(snapshots, domain.SnapshotOf(*jobModelToDomain(&models[i])))
	}
	return snapshots, nil
}
