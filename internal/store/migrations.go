package store

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20261019_create_slaves_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Slave{}, &Capability{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("capabilities", "slaves")
			},
		},
		{
			ID: "20261019_create_automation_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&AutomationDriverConfig{}, &AutomationScript{}, &TestRound{}, &AutomationScriptResult{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("automation_script_results", "test_rounds", "automation_scripts", "automation_driver_configs")
			},
		},
		{
			ID: "20261019_create_slave_assignments_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SlaveAssignment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("slave_assignments")
			},
		},
	}
}

// Migrate brings the schema up to date.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, Migrations())
	return m.Migrate()
}
