package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/pkg/duration"
)

// InFlightChecker reports whether this process is still working on a job.
type InFlightChecker interface {
	IsInFlight(id models.ULID) bool
}

// MaintenanceConfig holds housekeeping thresholds.
type MaintenanceConfig struct {
	// StaleAfter is how long a claim may last before the job is failed as stale.
	StaleAfter time.Duration
	// FailedRetention is how long failed jobs keep their working directory.
	// Zero keeps them forever.
	FailedRetention time.Duration
}

// MaintenanceReport summarises one maintenance pass.
type MaintenanceReport struct {
	StaleFailed       int `json:"stale_failed"`
	FailedDirsRemoved int `json:"failed_dirs_removed"`
	OrphansRemoved    int `json:"orphans_removed"`
}

// Maintenance runs periodic housekeeping on a cron schedule.
type Maintenance struct {
	mu sync.Mutex

	jobs     repository.JobRepository
	layout   *storage.Layout
	inFlight InFlightChecker
	clock    Clock
	logger   *slog.Logger
	cfg      MaintenanceConfig

	// cron parser for validating/parsing cron expressions
	parser cron.Parser
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMaintenance creates a maintenance scheduler.
func NewMaintenance(jobs repository.JobRepository, layout *storage.Layout, cfg MaintenanceConfig) *Maintenance {
	return &Maintenance{
		jobs:   jobs,
		layout: layout,
		clock:  RealClock(),
		logger: observability.WithComponent(slog.Default(), "maintenance"),
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// WithLogger sets a custom logger.
func (m *Maintenance) WithLogger(logger *slog.Logger) *Maintenance {
	m.logger = observability.WithComponent(logger, "maintenance")
	return m
}

// WithClock replaces the clock used for age cut-offs.
func (m *Maintenance) WithClock(clock Clock) *Maintenance {
	m.clock = clock
	return m
}

// WithInFlight excludes jobs this process is still running from stale recovery.
func (m *Maintenance) WithInFlight(checker InFlightChecker) *Maintenance {
	m.inFlight = checker
	return m
}

// Start schedules RunOnce on the cron expression.
func (m *Maintenance) Start(ctx context.Context, expr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("maintenance already started")
	}

	schedule, err := m.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron = cron.New(cron.WithParser(m.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runCtx := m.ctx
	m.cron.Schedule(schedule, cron.FuncJob(func() { m.RunOnce(runCtx) }))
	m.cron.Start()

	m.logger.Info("maintenance scheduled",
		slog.String("cron", expr),
		slog.Time("next_run", schedule.Next(m.clock.Now())),
		slog.String("stale_after", duration.Format(m.cfg.StaleAfter)),
		slog.String("failed_retention", duration.Format(m.cfg.FailedRetention)),
	)
	return nil
}

// Stop cancels a running pass and waits for it to return.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel, m.ctx = nil, nil, nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	m.logger.Info("maintenance stopped")
}

// RunOnce performs one housekeeping pass. Each task runs even when an
// earlier one fails; the errors are joined.
func (m *Maintenance) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	now := m.clock.Now()

	stale, staleErr := m.failStaleJobs(ctx, now)
	report.StaleFailed = stale
	removed, retentionErr := m.pruneFailedDirs(ctx, now)
	report.FailedDirsRemoved = removed
	orphans, orphanErr := m.sweepOrphans(ctx)
	report.OrphansRemoved = orphans

	err := errors.Join(staleErr, retentionErr, orphanErr)
	attrs := []any{
		slog.Int("stale_failed", report.StaleFailed),
		slog.Int("failed_dirs_removed", report.FailedDirsRemoved),
		slog.Int("orphans_removed", report.OrphansRemoved),
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "maintenance pass failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		m.logger.DebugContext(ctx, "maintenance pass completed", attrs...)
	}
	return report, err
}

// failStaleJobs fails in-flight jobs whose claim is older than StaleAfter
// and which this process is not running.
func (m *Maintenance) failStaleJobs(ctx context.Context, now time.Time) (int, error) {
	if m.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	jobs, err := m.jobs.ListStale(ctx, now.Add(-m.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("listing stale jobs: %w", err)
	}

	var failed int
	var errs []error
	for _, job := range jobs {
		if m.inFlight != nil && m.inFlight.IsInFlight(job.ID) {
			continue
		}
		cause := fmt.Errorf("claimed by %s since %s", job.WorkerID, formatTime(job.ClaimedAt))
		err := m.jobs.Update(ctx, job.ID, models.JobPatch{
			Status:        models.Ptr(models.JobStatusFailed),
			FailureReason: models.Ptr(models.FormatFailure(models.FailureStale, cause)),
		})
		switch {
		case err == nil:
			failed++
			m.logger.WarnContext(ctx, "failed stale job",
				slog.String("job_id", job.ID.String()),
				slog.String("worker_id", job.WorkerID),
				slog.String("status", string(job.Status)),
			)
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, repository.ErrNotFound):
			// Finished or deleted since it was listed.
		default:
			errs = append(errs, err)
		}
	}
	return failed, errors.Join(errs...)
}

// pruneFailedDirs removes working directories of jobs that failed more than
// FailedRetention ago. The job rows are kept.
func (m *Maintenance) pruneFailedDirs(ctx context.Context, now time.Time) (int, error) {
	if m.cfg.FailedRetention <= 0 {
		return 0, nil
	}
	jobs, err := m.jobs.ListFinishedBefore(ctx, models.JobStatusFailed, now.Add(-m.cfg.FailedRetention))
	if err != nil {
		return 0, fmt.Errorf("listing expired failed jobs: %w", err)
	}

	var removed int
	var errs []error
	for _, job := range jobs {
		if _, err := os.Stat(m.layout.JobDir(job.ID)); err != nil {
			continue
		}
		if err := m.layout.RemoveJobDir(job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// sweepOrphans removes job directories that have no job row.
func (m *Maintenance) sweepOrphans(ctx context.Context) (int, error) {
	ids, err := m.layout.ListJobDirs()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing job directories: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	existing, err := m.jobs.ExistingIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("checking job directories: %w", err)
	}

	var removed int
	var errs []error
	for _, id := range ids {
		if existing[id] || (m.inFlight != nil && m.inFlight.IsInFlight(id)) {
			continue
		}
		if err := m.layout.RemoveJobDir(id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		m.logger.InfoContext(ctx, "removed orphaned job directory", slog.String("job_id", id.String()))
	}
	return removed, errors.Join(errs...)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
