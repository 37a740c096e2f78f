// Package migrations tracks and applies versioned schema changes to the job store.
package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Migration is one versioned schema change. Down may be nil for changes
// that cannot be reverted.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord is a row of the schema_migrations table.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for migration records.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// Pending filters statuses down to the migrations not yet applied.
func Pending(statuses []MigrationStatus) []MigrationStatus {
	var pending []MigrationStatus
	for _, s := range statuses {
		if !s.Applied {
			pending = append(pending, s)
		}
	}
	return pending
}

// Migrator applies and reverts registered migrations in version order.
type Migrator struct {
	db         *gorm.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a Migrator for db.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger}
}

// RegisterAll adds migrations to the registry and keeps it sorted by version.
func (m *Migrator) RegisterAll(migrations []Migration) {
	m.migrations = append(m.migrations, migrations...)
	slices.SortFunc(m.migrations, func(a, b Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
}

// Init creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Init(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return fmt.Errorf("initializing migrations table: %w", err)
	}
	return nil
}

// Up applies every pending migration, each in its own transaction, and
// returns the versions it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, mg := range m.migrations {
		if _, ok := applied[mg.Version]; ok {
			continue
		}
		log := m.logger.With(slog.String("version", mg.Version))
		log.InfoContext(ctx, "applying migration", slog.String("description", mg.Description))

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mg.Up(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationRecord{
				Version:     mg.Version,
				Description: mg.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return done, fmt.Errorf("applying migration %s: %w", mg.Version, err)
		}
		done = append(done, mg.Version)
	}
	return done, nil
}

// Down reverts up to steps applied migrations, newest first, and returns the
// versions it reverted. It stops at the first migration that is unknown to
// this build or has no Down step, leaving it applied.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", steps)
	}
	if err := m.Init(ctx); err != nil {
		return nil, err
	}

	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Order("version DESC").Limit(steps).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	if len(records) == 0 {
		m.logger.InfoContext(ctx, "no migrations to roll back")
		return nil, nil
	}

	var reverted []string
	for _, rec := range records {
		idx := slices.IndexFunc(m.migrations, func(mg Migration) bool { return mg.Version == rec.Version })
		if idx < 0 {
			return reverted, fmt.Errorf("migration %s is applied but unknown to this build", rec.Version)
		}
		mg := m.migrations[idx]
		if mg.Down == nil {
			return reverted, fmt.Errorf("migration %s cannot be rolled back", mg.Version)
		}

		m.logger.InfoContext(ctx, "rolling back migration",
			slog.String("version", mg.Version),
			slog.String("description", mg.Description),
		)
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mg.Down(tx); err != nil {
				return err
			}
			return tx.Where("version = ?", mg.Version).Delete(&MigrationRecord{}).Error
		})
		if err != nil {
			return reverted, fmt.Errorf("rolling back migration %s: %w", mg.Version, err)
		}
		reverted = append(reverted, mg.Version)
	}
	return reverted, nil
}

// Status lists every registered migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, mg := range m.migrations {
		s := MigrationStatus{Version: mg.Version, Description: mg.Description}
		if rec, ok := applied[mg.Version]; ok {
			s.Applied = true
			s.AppliedAt = &rec.AppliedAt
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// applied returns the schema_migrations rows keyed by version.
func (m *Migrator) applied(ctx context.Context) (map[string]MigrationRecord, error) {
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	byVersion := make(map[string]MigrationRecord, len(records))
	for _, rec := range records {
		byVersion[rec.Version] = rec
	}
	return byVersion, nil
}
