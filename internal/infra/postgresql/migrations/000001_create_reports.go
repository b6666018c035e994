package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/fanout/internal/repository"
	"gorm.io/gorm"
)

func createReportsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_reports",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ReportModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports (created_at DESC)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ReportModel{})
		},
	}
}
