// Package repository defines data access for vodarr jobs.
// All database access goes through these interfaces so the pipeline can be
// tested without a real database and run against any GORM dialect.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
)

var (
	// ErrNotFound indicates no job exists with the given ID.
	ErrNotFound = errors.New("job not found")

	// ErrPersistence wraps failures of the underlying store.
	ErrPersistence = errors.New("job store failure")

	// ErrClaimContended is returned when other workers won every claim race.
	// Queued jobs may remain, so the caller should poll again without waiting.
	ErrClaimContended = errors.New("claim contended")
)

// JobFilter narrows a job listing.
type JobFilter struct {
	Status *models.JobStatus
	Offset int
	Limit  int
}

// JobRepository is the durable job record store.
type JobRepository interface {
	// Create inserts a new job. The ID and queued status are assigned if unset.
	Create(ctx context.Context, job *models.Job) error
	// GetByID retrieves a job by ID. Returns nil, nil when it does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// List returns jobs matching filter, newest first, and the total match count.
	List(ctx context.Context, filter JobFilter) ([]*models.Job, int64, error)
	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)

	// ClaimNextQueued atomically moves the oldest queued job to downloading
	// on behalf of workerID. Returns nil, nil when nothing is queued and
	// ErrClaimContended when every candidate was taken by another worker.
	// A job is returned once claimed even if ctx is cancelled meanwhile.
	ClaimNextQueued(ctx context.Context, workerID string) (*models.Job, error)
	// Update applies patch to the job and refreshes updated_at. A status change
	// only applies from an allowed predecessor status; otherwise it returns
	// models.ErrInvalidTransition and leaves the row untouched.
	Update(ctx context.Context, id models.ULID, patch models.JobPatch) error
	// Delete removes a job row.
	Delete(ctx context.Context, id models.ULID) error

	// ListStale returns in-flight jobs claimed before the given time.
	ListStale(ctx context.Context, claimedBefore time.Time) ([]*models.Job, error)
	// ListFinishedBefore returns jobs in status that completed before the given time.
	ListFinishedBefore(ctx context.Context, status models.JobStatus, completedBefore time.Time) ([]*models.Job, error)
	// ListInFlightByWorkerPrefix returns in-flight jobs whose worker ID starts with prefix.
	ListInFlightByWorkerPrefix(ctx context.Context, prefix string) ([]*models.Job, error)
	// ExistingIDs returns the subset of ids that have a job row.
	ExistingIDs(ctx context.Context, ids []models.ULID) (map[models.ULID]bool, error)
}
