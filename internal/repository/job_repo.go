package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"gorm.io/gorm"
)

// maxClaimAttempts bounds how many candidates a single claim tries when other
// workers keep winning the race.
const maxClaimAttempts = 5

// releaseTimeout bounds the write that returns an undeliverable claim.
const releaseTimeout = 5 * time.Second

const defaultListLimit = 50

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db, now: time.Now}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Create creates a new job.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		var verr models.ErrValidation
		if errors.As(err, &verr) || errors.Is(err, models.ErrURLRequired) || errors.Is(err, models.ErrInvalidURL) {
			return fmt.Errorf("creating job: %w", err)
		}
		return storeErr("creating job", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storeErr("getting job by ID", err)
	}
	return &job, nil
}

// List retrieves jobs with optional status filter and pagination.
func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*models.Job, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Job{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storeErr("counting jobs", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var jobs []*models.Job
	if err := query.Order("created_at DESC, id DESC").Offset(filter.Offset).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, 0, storeErr("listing jobs", err)
	}
	return jobs, total, nil
}

// CountByStatus returns job counts grouped by status.
func (r *jobRepo) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, storeErr("counting jobs by status", err)
	}

	counts := make(map[models.JobStatus]int64, len(models.AllJobStatuses))
	for _, s := range models.AllJobStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ClaimNextQueued selects the oldest queued job and claims it with a single
// conditional UPDATE guarded on status = 'queued'. Exactly one concurrent
// claimant sees RowsAffected == 1; the losers move on to the next candidate.
func (r *jobRepo) ClaimNextQueued(ctx context.Context, workerID string) (*models.Job, error) {
	for range maxClaimAttempts {
		var candidate models.Job
		err := r.db.WithContext(ctx).
			Select("id").
			Where("status = ?", models.JobStatusQueued).
			Order("created_at ASC, id ASC").
			Limit(1).
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storeErr("selecting queued job", err)
		}

		now := r.now()
		result := r.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ?", candidate.ID, models.JobStatusQueued).
			UpdateColumns(map[string]any{
				"status":     models.JobStatusDownloading,
				"worker_id":  workerID,
				"claimed_at": now,
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, storeErr("claiming job", result.Error)
		}
		if result.RowsAffected != 1 {
			continue
		}

		// The row is ours now; a cancellation must not orphan it.
		claimed, err := r.GetByID(context.WithoutCancel(ctx), candidate.ID)
		if err == nil && claimed == nil {
			err = storeErr("reloading claimed job", ErrNotFound)
		}
		if err != nil {
			r.releaseClaim(ctx, candidate.ID, workerID)
			return nil, err
		}
		return claimed, nil
	}
	return nil, ErrClaimContended
}

// releaseClaim puts a job claimed by workerID back in the queue. It is only
// used when the claimed row cannot be handed to the worker.
func (r *jobRepo) releaseClaim(ctx context.Context, id models.ULID, workerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_ = r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, models.JobStatusDownloading, workerID).
		UpdateColumns(map[string]any{
			"status":     models.JobStatusQueued,
			"worker_id":  "",
			"claimed_at": nil,
			"updated_at": r.now(),
		}).Error
}

// Update applies a partial mutation. Metadata columns are written with
// COALESCE so a value, once set, is never replaced or cleared.
func (r *jobRepo) Update(ctx context.Context, id models.ULID, patch models.JobPatch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}

	now := r.now()
	cols := map[string]any{"updated_at": now}
	coalesce := func(col string, v any) {
		cols[col] = gorm.Expr("COALESCE("+col+", ?)", v)
	}
	if patch.Title != nil {
		coalesce("title", *patch.Title)
	}
	if patch.DurationSeconds != nil {
		coalesce("duration_seconds", *patch.DurationSeconds)
	}
	if patch.ThumbnailURL != nil {
		coalesce("thumbnail_url", *patch.ThumbnailURL)
	}
	if patch.Description != nil {
		coalesce("description", *patch.Description)
	}
	if patch.ArtifactPath != nil {
		cols["artifact_path"] = *patch.ArtifactPath
	}
	if patch.FileSizeBytes != nil {
		cols["file_size_bytes"] = *patch.FileSizeBytes
	}
	if patch.FailureReason != nil {
		cols["failure_reason"] = *patch.FailureReason
	}
	if patch.CompletedAt != nil {
		cols["completed_at"] = *patch.CompletedAt
	}

	query := r.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id)
	if patch.Status != nil {
		cols["status"] = *patch.Status
		if patch.Status.IsTerminal() && patch.CompletedAt == nil {
			cols["completed_at"] = now
		}
		query = query.Where("status IN ?", statusStrings(models.Predecessors(*patch.Status)))
	}

	result := query.UpdateColumns(cols)
	if result.Error != nil {
		return storeErr(fmt.Sprintf("updating job %s", id), result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("updating job %s: %w", id, ErrNotFound)
	}
	if patch.Status != nil {
		return fmt.Errorf("updating job %s from %s to %s: %w", id, existing.Status, *patch.Status, models.ErrInvalidTransition)
	}
	return nil
}

// Delete deletes a job by ID.
func (r *jobRepo) Delete(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Job{})
	if result.Error != nil {
		return storeErr("deleting job", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListStale retrieves in-flight jobs whose claim is older than claimedBefore.
func (r *jobRepo) ListStale(ctx context.Context, claimedBefore time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND claimed_at < ?", inFlightStatuses(), claimedBefore).
		Order("claimed_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, storeErr("listing stale jobs", err)
	}
	return jobs, nil
}

// ListFinishedBefore retrieves jobs in status completed before completedBefore.
func (r *jobRepo) ListFinishedBefore(ctx context.Context, status models.JobStatus, completedBefore time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", status, completedBefore).
		Order("completed_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, storeErr("listing finished jobs", err)
	}
	return jobs, nil
}

// ListInFlightByWorkerPrefix retrieves in-flight jobs owned by workers sharing prefix.
func (r *jobRepo) ListInFlightByWorkerPrefix(ctx context.Context, prefix string) ([]*models.Job, error) {
	var jobs []*models.Job
	pattern := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(prefix) + "%"
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND worker_id LIKE ? ESCAPE '!'", inFlightStatuses(), pattern).
		Order("claimed_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, storeErr("listing jobs by worker", err)
	}
	return jobs, nil
}

// ExistingIDs reports which of ids have a job row.
func (r *jobRepo) ExistingIDs(ctx context.Context, ids []models.ULID) (map[models.ULID]bool, error) {
	found := make(map[models.ULID]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	var rows []models.ULID
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id IN ?", ids).
		Pluck("id", &rows).Error; err != nil {
		return nil, storeErr("checking job IDs", err)
	}
	for _, id := range rows {
		found[id] = true
	}
	return found, nil
}

func inFlightStatuses() []string {
	return []string{string(models.JobStatusDownloading), string(models.JobStatusProcessing)}
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Ensure jobRepo implements JobRepository at compile time.
var _ JobRepository = (*jobRepo)(nil)
