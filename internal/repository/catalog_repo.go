package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
)

// CatalogReader is read-only access to the seller catalog owned by another system.
type CatalogReader interface {
	GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error)
	GetProduct(ctx context.Context, tenantID, productID string) (*domain.Product, error)
}

type GormCatalogReader struct {
	db *gorm.DB
}

func NewGormCatalogReader(db *gorm.DB) *GormCatalogReader {
	return &GormCatalogReader{db: db}
}

func (r *GormCatalogReader) GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", orderID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return orderModelToDomain(&model), nil
}

func (r *GormCatalogReader) GetProduct(ctx context.Context, tenantID, productID string) (*domain.Product, error) {
	var model ProductModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", productID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return productModelToDomain(&model), nil
}
