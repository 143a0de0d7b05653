package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

// The catalog is written by the storefront; these tables only exist so a
// standalone deployment has something to read from.
func createCatalogTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_catalog_tables",
		Migrate: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&repository.ProductModel{}) && tx.Migrator().HasTable(&repository.OrderModel{}) {
				return nil
			}
			return tx.AutoMigrate(&repository.ProductModel{}, &repository.OrderModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return nil
		},
	}
}
