package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations creates the daemon's own bookkeeping tables. Companion
// stores are not migrated here; their schema is derived from the metric
// registry at reconcile time.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pass history
		{
			ID: "001_metric_pass_runs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PassRun{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("metric_pass_runs")
			},
		},
	})
	return m.Migrate()
}
