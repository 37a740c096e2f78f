package migrations

import (
	"github.com/jmylchreest/vodarr/internal/models"
	"gorm.io/gorm"
)

// claimIndexName backs the oldest-queued-first claim query.
const claimIndexName = "idx_media_jobs_claim"

// AllMigrations returns all registered migrations in version order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002ClaimIndex(),
	}
}

// migration001Schema creates the media_jobs table.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create media_jobs table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Job{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.Job{})
		},
	}
}

// migration002ClaimIndex adds a composite index so workers can find the
// oldest queued job without scanning.
func migration002ClaimIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add (status, created_at) claim index",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.Job{}, claimIndexName) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + claimIndexName + " ON media_jobs (status, created_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.Job{}, claimIndexName) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.Job{}, claimIndexName)
		},
	}
}
