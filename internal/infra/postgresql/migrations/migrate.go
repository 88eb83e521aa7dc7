package migrations

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

const migrationsTable = "push_fanout_migrations"

func all() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		createNotificationsTable(),
		createDeliveryAttemptsTable(),
		createDevicesTable(),
	}
}

// Migrate applies every pending schema migration in order.
func Migrate(db *gorm.DB) error {
	opts := *gormigrate.DefaultOptions
	opts.TableName = migrationsTable
	opts.UseTransaction = true

	if err := gormigrate.New(db, &opts, all()).Migrate(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
