// Package service implements the application use cases on top of the job
// store, the storage layout and the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/notify"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/internal/storage"
)

var (
	// ErrJobNotFound indicates no job exists with the given ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotFinished indicates an operation that needs a ready or failed job.
	ErrJobNotFinished = errors.New("job has not finished")
	// ErrJobNotFailed indicates a resubmit of a job that did not fail.
	ErrJobNotFailed = errors.New("only failed jobs can be resubmitted")
	// ErrJobNotReady indicates a stream request for a job without an artifact.
	ErrJobNotReady = errors.New("job is not ready")
	// ErrRunnerNotConfigured indicates this process does not run workers.
	ErrRunnerNotConfigured = errors.New("runner not configured")
)

// RunnerStatusSource reports the state of the worker pool.
type RunnerStatusSource interface {
	GetStatus(ctx context.Context) scheduler.RunnerStatus
	IsInFlight(id models.ULID) bool
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	URL   string
	Title string
}

// JobService provides high-level job management operations.
type JobService struct {
	jobRepo  repository.JobRepository
	layout   *storage.Layout
	notifier notify.Notifier
	runner   RunnerStatusSource
	logger   *slog.Logger
}

// NewJobService creates a new JobService.
func NewJobService(jobRepo repository.JobRepository, layout *storage.Layout) *JobService {
	return &JobService{
		jobRepo: jobRepo,
		layout:  layout,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *JobService) WithLogger(logger *slog.Logger) *JobService {
	s.logger = logger
	return s
}

// WithNotifier wakes idle workers whenever a job is enqueued.
func (s *JobService) WithNotifier(n notify.Notifier) *JobService {
	s.notifier = n
	return s
}

// WithRunner sets the runner instance.
func (s *JobService) WithRunner(runner RunnerStatusSource) *JobService {
	s.runner = runner
	return s
}

// Submit validates the URL and enqueues a new job.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	rawURL := strings.TrimSpace(req.URL)
	if err := models.ValidateSourceURL(rawURL); err != nil {
		return nil, err
	}

	job := &models.Job{SourceURL: rawURL, Status: models.JobStatusQueued}
	if title := strings.TrimSpace(req.Title); title != "" {
		job.Title = &title
	}
	return s.enqueue(ctx, job)
}

func (s *JobService) enqueue(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("source_url", job.SourceURL))

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx); err != nil {
			// Workers still find the job on their next poll.
			s.logger.Warn("failed to notify workers",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return job, nil
}

// GetByID retrieves a job by ID.
func (s *JobService) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	job, err := s.jobRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// List returns a page of jobs, newest first, and the total match count.
func (s *JobService) List(ctx context.Context, filter repository.JobFilter) ([]*models.Job, int64, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: %q", models.ErrInvalidStatus, *filter.Status)
	}
	jobs, total, err := s.jobRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, total, nil
}

// Delete removes a finished job and its working directory.
func (s *JobService) Delete(ctx context.Context, id models.ULID) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() || (s.runner != nil && s.runner.IsInFlight(id)) {
		return fmt.Errorf("%w: %s is %s", ErrJobNotFinished, id, job.Status)
	}

	if err := s.jobRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return fmt.Errorf("deleting job: %w", err)
	}
	if err := s.layout.RemoveJobDir(id); err != nil {
		// The maintenance sweep removes directories without a row.
		s.logger.Warn("failed to remove job directory",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()))
	}

	s.logger.Info("deleted job", slog.String("job_id", id.String()))
	return nil
}

// Resubmit enqueues a new job for the URL and title of a failed job. The
// failed job is kept as history.
func (s *JobService) Resubmit(ctx context.Context, id models.ULID) (*models.Job, error) {
	failed, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if failed.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotFailed, id, failed.Status)
	}

	job := &models.Job{SourceURL: failed.SourceURL, Status: models.JobStatusQueued}
	if failed.Title != nil {
		title := *failed.Title
		job.Title = &title
	}
	job, err = s.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	s.logger.Info("job resubmitted",
		slog.String("job_id", job.ID.String()),
		slog.String("previous_job_id", id.String()))
	return job, nil
}

// StreamFile resolves name inside the working directory of a ready job.
// The empty name resolves to the playlist.
func (s *JobService) StreamFile(ctx context.Context, id models.ULID, name string) (string, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusReady {
		return "", fmt.Errorf("%w: %s is %s", ErrJobNotReady, id, job.Status)
	}
	if name == "" {
		name = storage.PlaylistName
	}
	if !isStreamFile(name) {
		return "", fmt.Errorf("%w: %s", storage.ErrPathEscape, name)
	}
	return s.layout.ResolveJobFile(id, name)
}

// isStreamFile limits stream requests to the playlist and its segments.
func isStreamFile(name string) bool {
	return name == storage.PlaylistName || strings.HasSuffix(name, ".ts")
}

// GetRunnerStatus returns the current runner status.
func (s *JobService) GetRunnerStatus(ctx context.Context) (*scheduler.RunnerStatus, error) {
	if s.runner == nil {
		return nil, ErrRunnerNotConfigured
	}
	status := s.runner.GetStatus(ctx)
	return &status, nil
}

// JobStats represents job counts by status.
type JobStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// GetStats returns job statistics.
func (s *JobService) GetStats(ctx context.Context) (*JobStats, error) {
	counts, err := s.jobRepo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	stats := &JobStats{ByStatus: make(map[string]int64, len(models.AllJobStatuses))}
	for _, status := range models.AllJobStatuses {
		stats.ByStatus[string(status)] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}
