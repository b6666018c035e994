package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/fanout/internal/repository"
	"gorm.io/gorm"
)

func createReportDeliveriesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_report_deliveries",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_report_position ON report_deliveries (report_id, position)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryModel{})
		},
	}
}
