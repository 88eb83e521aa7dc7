package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/push-fanout/internal/repository"
	"gorm.io/gorm"
)

// Devices are owned by the registration flow; the table is created here so
// that a standalone deployment and the tests share one schema.
func createDevicesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_devices",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeviceModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_devices_push_token ON devices (push_token)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeviceModel{})
		},
	}
}
