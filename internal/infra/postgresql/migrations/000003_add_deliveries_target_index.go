package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addDeliveriesTargetIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_deliveries_target_index",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_deliveries_target_created ON report_deliveries (target_id, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_failed ON report_deliveries (scheme, created_at) WHERE outcome IN ('TRANSIENT_FAILURE', 'PERMANENT_FAILURE')`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_deliveries_failed`,
				`DROP INDEX IF EXISTS idx_deliveries_target_created`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
