package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/pipeline"
	"github.com/jmylchreest/vodarr/internal/repository"
)

// ErrAlreadyStarted is returned by Start on a running Runner.
var ErrAlreadyStarted = errors.New("runner already started")

// JobProcessor runs a claimed job to completion.
type JobProcessor interface {
	Process(ctx context.Context, job *models.Job) *pipeline.Result
}

// WakeSource delivers a signal whenever new work may be available.
type WakeSource interface {
	Subscribe(ctx context.Context) <-chan struct{}
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// Workers is the number of concurrent workers. Default: 1
	Workers int
	// InstanceID prefixes every worker ID so this process can find its own
	// jobs after a restart.
	InstanceID string
	// IdleBackoff is the wait after finding the queue empty. Default: 5s
	IdleBackoff time.Duration
	// ErrorBackoff is the wait after an unexpected error. Default: 10s
	ErrorBackoff time.Duration
	// ShutdownGrace is how long in-flight jobs may run after Stop before
	// they are interrupted. Default: 30s
	ShutdownGrace time.Duration
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:       1,
		InstanceID:    "vodarr",
		IdleBackoff:   5 * time.Second,
		ErrorBackoff:  10 * time.Second,
		ShutdownGrace: 30 * time.Second,
	}
}

// WorkerIDPrefix returns the prefix shared by all worker IDs of an instance.
func WorkerIDPrefix(instanceID string) string {
	return instanceID + "/"
}

// InFlightJob is a job currently held by one of this runner's workers.
type InFlightJob struct {
	JobID     models.ULID `json:"job_id"`
	WorkerID  string      `json:"worker_id"`
	StartedAt time.Time   `json:"started_at"`
}

// RunnerStatus represents the current state of the runner.
type RunnerStatus struct {
	Running      bool          `json:"running"`
	Workers      int           `json:"workers"`
	InstanceID   string        `json:"instance_id"`
	InFlight     []InFlightJob `json:"in_flight"`
	QueuedJobs   int64         `json:"queued_jobs"`
	Processed    int64         `json:"processed"`
	Failed       int64         `json:"failed"`
	IdleBackoff  time.Duration `json:"idle_backoff"`
	ErrorBackoff time.Duration `json:"error_backoff"`
}

// Runner manages a pool of workers that claim and process jobs.
type Runner struct {
	mu sync.RWMutex

	jobs      repository.JobRepository
	processor JobProcessor
	clock     Clock
	wake      WakeSource
	logger    *slog.Logger
	cfg       RunnerConfig

	// pollCtx stops claiming and idle waits; workCtx interrupts in-flight jobs.
	pollCtx    context.Context
	pollCancel context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc
	wakeCh     <-chan struct{}
	wg         sync.WaitGroup

	inFlightMu sync.Mutex
	inFlight   map[models.ULID]InFlightJob

	processed atomic.Int64
	failed    atomic.Int64
}

// NewRunner creates a runner with the default configuration.
func NewRunner(jobs repository.JobRepository, processor JobProcessor) *Runner {
	return &Runner{
		jobs:      jobs,
		processor: processor,
		clock:     RealClock(),
		logger:    observability.WithComponent(slog.Default(), "scheduler"),
		cfg:       DefaultRunnerConfig(),
		inFlight:  make(map[models.ULID]InFlightJob),
	}
}

// WithLogger sets a custom logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = observability.WithComponent(logger, "scheduler")
	return r
}

// WithClock replaces the clock used for backoff and shutdown waits.
func (r *Runner) WithClock(clock Clock) *Runner {
	r.clock = clock
	return r
}

// WithWakeSource lets idle workers resume early when work is announced.
func (r *Runner) WithWakeSource(wake WakeSource) *Runner {
	r.wake = wake
	return r
}

// WithConfig applies configuration to the runner. Zero values keep the defaults.
func (r *Runner) WithConfig(config RunnerConfig) *Runner {
	if config.Workers > 0 {
		r.cfg.Workers = config.Workers
	}
	if config.InstanceID != "" {
		r.cfg.InstanceID = config.InstanceID
	}
	if config.IdleBackoff > 0 {
		r.cfg.IdleBackoff = config.IdleBackoff
	}
	if config.ErrorBackoff > 0 {
		r.cfg.ErrorBackoff = config.ErrorBackoff
	}
	if config.ShutdownGrace > 0 {
		r.cfg.ShutdownGrace = config.ShutdownGrace
	}
	return r
}

// Start launches the workers. In-flight jobs are not tied to ctx: they are
// only interrupted by Stop once the shutdown grace expires.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pollCtx != nil {
		return ErrAlreadyStarted
	}

	r.pollCtx, r.pollCancel = context.WithCancel(ctx)
	r.workCtx, r.workCancel = context.WithCancel(context.WithoutCancel(ctx))
	r.wakeCh = nil
	if r.wake != nil {
		r.wakeCh = r.wake.Subscribe(r.pollCtx)
	}

	for i := range r.cfg.Workers {
		workerID := fmt.Sprintf("%sworker-%d", WorkerIDPrefix(r.cfg.InstanceID), i+1)
		r.wg.Add(1)
		go r.worker(r.pollCtx, r.workCtx, workerID)
	}

	r.logger.Info("runner started",
		slog.Int("workers", r.cfg.Workers),
		slog.String("instance_id", r.cfg.InstanceID),
		slog.Duration("idle_backoff", r.cfg.IdleBackoff),
		slog.Duration("error_backoff", r.cfg.ErrorBackoff),
	)
	return nil
}

// Stop stops claiming new jobs at once, then waits for in-flight jobs. Jobs
// still running when the shutdown grace expires are interrupted and recorded
// as failed by the pipeline.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.pollCtx == nil {
		r.mu.Unlock()
		return
	}
	r.pollCancel()
	workCancel := r.workCancel
	grace := r.cfg.ShutdownGrace
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-r.clock.After(grace):
		r.logger.Warn("shutdown grace expired, interrupting in-flight jobs",
			slog.Int("in_flight", len(r.InFlight())),
			slog.Duration("grace", grace),
		)
		workCancel()
		<-done
	}
	workCancel()

	r.mu.Lock()
	r.pollCtx, r.pollCancel = nil, nil
	r.workCtx, r.workCancel = nil, nil
	r.mu.Unlock()

	r.logger.Info("runner stopped")
}

// worker is the main worker loop: claim, process, repeat. It waits only when
// the queue is empty or something unexpected went wrong.
func (r *Runner) worker(pollCtx, workCtx context.Context, workerID string) {
	defer r.wg.Done()

	log := r.logger.With(slog.String("worker_id", workerID))
	log.Debug("worker started")

	for pollCtx.Err() == nil {
		more, err := r.runOnce(pollCtx, workCtx, workerID)
		switch {
		case err != nil:
			log.Error("worker error, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", r.cfg.ErrorBackoff),
			)
			if !r.wait(pollCtx, r.cfg.ErrorBackoff, false) {
				return
			}
		case !more:
			if !r.wait(pollCtx, r.cfg.IdleBackoff, true) {
				return
			}
		}
	}
	log.Debug("worker stopping")
}

// runOnce claims and processes at most one job. more reports whether queued
// work may remain, in which case the worker polls again without waiting.
// Panics outside the pipeline are turned into errors so the worker survives them.
func (r *Runner) runOnce(pollCtx, workCtx context.Context, workerID string) (more bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v", rec)
		}
	}()

	job, err := r.jobs.ClaimNextQueued(pollCtx, workerID)
	if errors.Is(err, repository.ErrClaimContended) {
		r.logger.Debug("claim contended, polling again", slog.String("worker_id", workerID))
		return true, nil
	}
	if err != nil {
		if pollCtx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	r.track(job.ID, workerID)
	defer r.untrack(job.ID)

	res := r.processor.Process(workCtx, job)
	r.processed.Add(1)
	if res != nil && res.Status == models.JobStatusFailed {
		r.failed.Add(1)
	}
	return true, nil
}

// wait blocks for d, returning false when the runner is stopping. Idle waits
// also end early on a wake-up signal.
func (r *Runner) wait(ctx context.Context, d time.Duration, wakeable bool) bool {
	var wake <-chan struct{}
	if wakeable {
		r.mu.RLock()
		wake = r.wakeCh
		r.mu.RUnlock()
	}

	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	case <-wake:
		return ctx.Err() == nil
	}
}

func (r *Runner) track(id models.ULID, workerID string) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	r.inFlight[id] = InFlightJob{JobID: id, WorkerID: workerID, StartedAt: r.clock.Now()}
}

func (r *Runner) untrack(id models.ULID) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	delete(r.inFlight, id)
}

// IsInFlight reports whether one of this runner's workers holds id.
func (r *Runner) IsInFlight(id models.ULID) bool {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

// InFlight returns the jobs currently being processed, oldest first.
func (r *Runner) InFlight() []InFlightJob {
	r.inFlightMu.Lock()
	out := make([]InFlightJob, 0, len(r.inFlight))
	for _, j := range r.inFlight {
		out = append(out, j)
	}
	r.inFlightMu.Unlock()

	slices.SortFunc(out, func(a, b InFlightJob) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.JobID.String(), b.JobID.String()))
	})
	return out
}

// GetStatus returns the current runner status.
func (r *Runner) GetStatus(ctx context.Context) RunnerStatus {
	r.mu.RLock()
	running := r.pollCtx != nil && r.pollCtx.Err() == nil
	cfg := r.cfg
	r.mu.RUnlock()

	var queued int64
	if counts, err := r.jobs.CountByStatus(ctx); err == nil {
		queued = counts[models.JobStatusQueued]
	}

	return RunnerStatus{
		Running:      running,
		Workers:      cfg.Workers,
		InstanceID:   cfg.InstanceID,
		InFlight:     r.InFlight(),
		QueuedJobs:   queued,
		Processed:    r.processed.Load(),
		Failed:       r.failed.Load(),
		IdleBackoff:  cfg.IdleBackoff,
		ErrorBackoff: cfg.ErrorBackoff,
	}
}
