package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
)

type LinkRepository interface {
	Create(ctx context.Context, l *domain.DeliveryLink) error
	GetByToken(ctx context.Context, token string) (*domain.DeliveryLink, error)
	// FindActive returns the tenant's newest link for (order, product) that is
	// neither expired nor exhausted at now, or ErrNotFound.
	FindActive(ctx context.Context, tenantID, orderID, productID string, now time.Time) (*domain.DeliveryLink, error)
	// IncrementUses consumes one download. It returns ErrLinkExpired or
	// ErrLinkExhausted when the link can no longer be redeemed.
	IncrementUses(ctx context.Context, id string, now time.Time) (*domain.DeliveryLink, error)
}

type GormLinkRepo struct {
	db *gorm.DB
}

func NewGormLinkRepo(db *gorm.DB) *GormLinkRepo {
	return &GormLinkRepo{db: db}
}

func (r *GormLinkRepo) Create(ctx context.Context, l *domain.DeliveryLink) error {
	model := linkModelFromDomain(l)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if l != nil {
		*l = *linkModelToDomain(model)
	}
	return nil
}

func (r *GormLinkRepo) GetByToken(ctx context.Context, token string) (*domain.DeliveryLink, error) {
	var model DeliveryLinkModel
	err := r.db.WithContext(ctx).First(&model, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return linkModelToDomain(&model), nil
}

func (r *GormLinkRepo) FindActive(ctx context.Context, tenantID, orderID, productID string, now time.Time) (*domain.DeliveryLink, error) {
	var model DeliveryLinkModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND order_id = ? AND product_id = ?", tenantID, orderID, productID).
		Where("expires_at > ? AND uses_so_far < max_uses", now).
		Order("issued_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return linkModelToDomain(&model), nil
}

func (r *GormLinkRepo) IncrementUses(ctx context.Context, id string, now time.Time) (*domain.DeliveryLink, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryLinkModel{}).
		Where("id = ? AND expires_at > ? AND uses_so_far < max_uses", id, now).
		Update("uses_so_far", gorm.Expr("uses_so_far + 1"))
	if result.Error != nil {
		return nil, result.Error
	}

	var model DeliveryLinkModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	if result.RowsAffected == 0 {
		if !now.Before(model.ExpiresAt) {
			return nil, fmt.Errorf("%w: link %s", domain.ErrLinkExpired, id)
		}
		return nil, fmt.Errorf("%w: link %s", domain.ErrLinkExhausted, id)
	}

	return linkModelToDomain(&model), nil
}
