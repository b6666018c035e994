package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Reports used to take the caller's request id as their primary key.
// Existing rows keep that id and get it copied into request_id.
func addReportsRequestID() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_reports_request_id",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`ALTER TABLE reports ADD COLUMN IF NOT EXISTS request_id VARCHAR(64)`,
				`UPDATE reports SET request_id = id WHERE request_id IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_reports_request_id ON reports (request_id)`,
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
				`DROP INDEX IF EXISTS idx_reports_request_id`,
				`ALTER TABLE reports DROP COLUMN IF EXISTS request_id`,
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
