package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// All lists every schema migration in apply order.
func All() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		createReportsTable(),
		createReportDeliveriesTable(),
		addDeliveriesTargetIndex(),
		addReportsRequestID(),
	}
}

func Migrate(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, All()).Migrate()
}
