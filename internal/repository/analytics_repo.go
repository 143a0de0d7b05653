package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalyticsRepository stores daily rollups. Records are append-only.
type AnalyticsRepository interface {
	// InsertIfAbsent stores the record unless one already exists for its
	// (date, channel) and reports whether it was written.
	InsertIfAbsent(ctx context.Context, r *domain.DeliveryAnalyticsRecord) (bool, error)
	ListRange(ctx context.Context, from, to time.Time, channel *domain.Channel) ([]domain.DeliveryAnalyticsRecord, error)
	// LatestDate returns the newest recorded day for the channel, or ErrNotFound.
	LatestDate(ctx context.Context, channel domain.Channel) (time.Time, error)
}

type GormAnalyticsRepo struct {
	db *gorm.DB
}

func NewGormAnalyticsRepo(db *gorm.DB) *GormAnalyticsRepo {
	return &GormAnalyticsRepo{db: db}
}

func (r *GormAnalyticsRepo) InsertIfAbsent(ctx context.Context, record *domain.DeliveryAnalyticsRecord) (bool, error) {
	model := analyticsModelFromDomain(record)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAnalyticsRepo) ListRange(ctx context.Context, from, to time.Time, channel *domain.Channel) ([]domain.DeliveryAnalyticsRecord, error) {
	query := r.db.WithContext(ctx).
		Where("date >= ? AND date < ?", domain.DayStart(from), domain.DayStart(to))
	if channel != nil {
		query = query.Where("channel = ?", *channel)
	}

	var models []DeliveryAnalyticsModel
	if err := query.Order("date ASC, channel ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]domain.DeliveryAnalyticsRecord, 0, len(models))
	for i := range models {
		records = append(records, *analyticsModelToDomain(&models[i]))
	}
	return records, nil
}

func (r *GormAnalyticsRepo) LatestDate(ctx context.Context, channel domain.Channel) (time.Time, error) {
	var model DeliveryAnalyticsModel
	err := r.db.WithContext(ctx).
		Where("channel = ?", channel).
		Order("date DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return domain.DayStart(model.Date), nil
}
