package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryAnalyticsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_delivery_analytics",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.DeliveryAnalyticsModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryAnalyticsModel{})
		},
	}
}
