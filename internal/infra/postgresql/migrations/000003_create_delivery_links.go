package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryLinksTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_delivery_links",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryLinkModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_links_token ON delivery_links (token)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_links_order_product ON delivery_links (order_id, product_id, expires_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryLinkModel{})
		},
	}
}
