package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_delivery_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryJobModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_claim ON delivery_jobs (channel, priority, next_eligible_at) WHERE status IN ('QUEUED', 'RETRY_SCHEDULED')`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_jobs_provider_message ON delivery_jobs (channel, provider_message_id) WHERE provider_message_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_status_updated ON delivery_jobs (status, updated_at)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_created_channel ON delivery_jobs (created_at, channel)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_tenant_created ON delivery_jobs (tenant_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_correlation_id ON delivery_jobs (correlation_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryJobModel{})
		},
	}
}
