package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/pipeline"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock only fires timers when the test advances it.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	d  time.Duration
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{at: c.now.Add(d), d: d, ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

// pending counts unfired timers created with duration d.
func (c *fakeClock) pending(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if w.d == d {
			n++
		}
	}
	return n
}

func (c *fakeClock) awaitTimer(t *testing.T, d time.Duration, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.pending(d) >= n },
		2*time.Second, time.Millisecond, "waiting for %d timer(s) of %s", n, d)
}

// countingRepo counts claims and can make them fail.
type countingRepo struct {
	repository.JobRepository
	claims    atomic.Int32
	claimErr  error
	contended atomic.Int32
}

func (r *countingRepo) ClaimNextQueued(ctx context.Context, workerID string) (*models.Job, error) {
	r.claims.Add(1)
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	if r.contended.Add(-1) >= 0 {
		return nil, repository.ErrClaimContended
	}
	return r.JobRepository.ClaimNextQueued(ctx, workerID)
}

// recordingProcessor records the jobs it is given in order.
type recordingProcessor struct {
	mu      sync.Mutex
	jobs    []models.ULID
	workers []string
	run     func(ctx context.Context, job *models.Job) *pipeline.Result
}

func (p *recordingProcessor) Process(ctx context.Context, job *models.Job) *pipeline.Result {
	p.mu.Lock()
	p.jobs = append(p.jobs, job.ID)
	p.workers = append(p.workers, job.WorkerID)
	p.mu.Unlock()
	if p.run != nil {
		return p.run(ctx, job)
	}
	return &pipeline.Result{JobID: job.ID, Status: models.JobStatusReady, Persisted: true}
}

func (p *recordingProcessor) processed() []models.ULID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ULID(nil), p.jobs...)
}

type chanWake chan struct{}

func (w chanWake) Subscribe(context.Context) <-chan struct{} { return w }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFixture struct {
	repo   *countingRepo
	proc   *recordingProcessor
	clock  *fakeClock
	runner *Runner
}

func newRunnerFixture(t *testing.T, cfg RunnerConfig) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		repo:  &countingRepo{JobRepository: repository.NewJobRepository(testutil.NewTestDB(t))},
		proc:  &recordingProcessor{},
		clock: newFakeClock(),
	}
	cfg.InstanceID = "test"
	f.runner = NewRunner(f.repo, f.proc).
		WithLogger(quietLogger()).
		WithClock(f.clock).
		WithConfig(cfg)
	return f
}

func (f *runnerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.runner.Start(context.Background()))
	t.Cleanup(f.runner.Stop)
}

// enqueue creates jobs with strictly increasing creation times.
func (f *runnerFixture) enqueue(t *testing.T, n int) []models.ULID {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	ids := make([]models.ULID, 0, n)
	for i := range n {
		job := &models.Job{SourceURL: "https://example.test/v" + string(rune('a'+i%26))}
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, f.repo.Create(context.Background(), job))
		ids = append(ids, job.ID)
	}
	return ids
}

func TestRunnerConfig_Defaults(t *testing.T) {
	r := NewRunner(nil, nil).WithConfig(RunnerConfig{Workers: 3})
	assert.Equal(t, 3, r.cfg.Workers)
	assert.Equal(t, "vodarr", r.cfg.InstanceID)
	assert.Equal(t, 5*time.Second, r.cfg.IdleBackoff)
	assert.Equal(t, 10*time.Second, r.cfg.ErrorBackoff)
	assert.Equal(t, 30*time.Second, r.cfg.ShutdownGrace)
	assert.Equal(t, "host-a/", WorkerIDPrefix("host-a"))
}

func TestRunner_StartTwice(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	f.start(t)
	assert.ErrorIs(t, f.runner.Start(context.Background()), ErrAlreadyStarted)
}

func TestRunner_IdleBackoff(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	f.start(t)

	f.clock.awaitTimer(t, 5*time.Second, 1)
	assert.Equal(t, int32(1), f.repo.claims.Load())

	f.clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.repo.claims.Load(), "no claim before the idle backoff elapses")

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return f.repo.claims.Load() == 2 }, time.Second, time.Millisecond)
	f.clock.awaitTimer(t, 5*time.Second, 1)
}

func TestRunner_ErrorBackoff(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	f.repo.claimErr = errors.New("database is on fire")
	f.start(t)

	f.clock.awaitTimer(t, 10*time.Second, 1)
	assert.Zero(t, f.clock.pending(5*time.Second))

	f.clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.repo.claims.Load())

	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return f.repo.claims.Load() == 2 }, time.Second, time.Millisecond)
}

func TestRunner_ProcessorPanicBacksOff(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	f.proc.run = func(context.Context, *models.Job) *pipeline.Result { panic("boom") }
	f.enqueue(t, 1)
	f.start(t)

	f.clock.awaitTimer(t, 10*time.Second, 1)
	assert.Len(t, f.proc.processed(), 1)
	assert.Empty(t, f.runner.InFlight())
}

func TestRunner_NoDelayBetweenJobs(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	ids := f.enqueue(t, 3)
	f.start(t)

	// The fake clock never advances, so all three must run back to back.
	require.Eventually(t, func() bool { return len(f.proc.processed()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, ids, f.proc.processed())
	f.clock.awaitTimer(t, 5*time.Second, 1)
	assert.Equal(t, int32(4), f.repo.claims.Load())
}

func TestRunner_ContendedClaimPollsAgain(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	f.repo.contended.Store(2)
	ids := f.enqueue(t, 1)
	f.start(t)

	// The fake clock never advances, so only an immediate re-poll reaches the job.
	require.Eventually(t, func() bool { return len(f.proc.processed()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, ids, f.proc.processed())
	f.clock.awaitTimer(t, 5*time.Second, 1)
	assert.Equal(t, int32(4), f.repo.claims.Load(), "two contended, one claim, one empty poll")
	assert.Zero(t, f.clock.pending(10*time.Second), "contention is not an error")
}

func TestRunner_SingleWorkerProcessesInCreationOrder(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{Workers: 1})
	ids := f.enqueue(t, 5)
	f.start(t)

	require.Eventually(t, func() bool { return len(f.proc.processed()) == 5 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, ids, f.proc.processed())
	for _, w := range f.proc.workers {
		assert.Equal(t, "test/worker-1", w)
	}
}

func TestRunner_ConcurrentWorkersClaimExclusively(t *testing.T) {
	repo := repository.NewJobRepository(testutil.NewTestDB(t))
	proc := &recordingProcessor{run: func(context.Context, *models.Job) *pipeline.Result {
		time.Sleep(time.Millisecond)
		return &pipeline.Result{Status: models.JobStatusReady, Persisted: true}
	}}
	runner := NewRunner(repo, proc).
		WithLogger(quietLogger()).
		WithConfig(RunnerConfig{
			Workers:      4,
			InstanceID:   "test",
			IdleBackoff:  5 * time.Millisecond,
			ErrorBackoff: 5 * time.Millisecond,
		})

	const total = 20
	for range total {
		require.NoError(t, repo.Create(context.Background(), &models.Job{SourceURL: "https://example.test/v"}))
	}
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	require.Eventually(t, func() bool { return len(proc.processed()) >= total }, 5*time.Second, 5*time.Millisecond)

	processed := proc.processed()
	seen := make(map[models.ULID]bool, len(processed))
	for _, id := range processed {
		assert.False(t, seen[id], "job %s processed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, total)

	jobs, _, err := repo.List(context.Background(), repository.JobFilter{Limit: total})
	require.NoError(t, err)
	for _, job := range jobs {
		assert.Equal(t, models.JobStatusDownloading, job.Status)
		assert.Regexp(t, `^test/worker-[1-4]$`, job.WorkerID)
	}
}

func TestRunner_WakeEndsIdleWait(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	wake := make(chanWake, 1)
	f.runner.WithWakeSource(wake)
	f.start(t)

	f.clock.awaitTimer(t, 5*time.Second, 1)
	ids := f.enqueue(t, 1)
	wake <- struct{}{}

	require.Eventually(t, func() bool { return len(f.proc.processed()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ids, f.proc.processed())
}

func TestRunner_StopInterruptsIdleWait(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	require.NoError(t, f.runner.Start(context.Background()))
	f.clock.awaitTimer(t, 5*time.Second, 1)

	stopped := make(chan struct{})
	go func() {
		f.runner.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while workers were idle")
	}
	assert.False(t, f.runner.GetStatus(context.Background()).Running)
}

// blockingRun starts processing and blocks until release is closed or ctx
// is cancelled, reporting an interrupted failure in the latter case.
func blockingRun(started chan<- models.ULID, release <-chan struct{}, cancelled *atomic.Bool) func(context.Context, *models.Job) *pipeline.Result {
	return func(ctx context.Context, job *models.Job) *pipeline.Result {
		started <- job.ID
		select {
		case <-release:
			return &pipeline.Result{JobID: job.ID, Status: models.JobStatusReady, Persisted: true}
		case <-ctx.Done():
			cancelled.Store(true)
			return &pipeline.Result{
				JobID:         job.ID,
				Status:        models.JobStatusFailed,
				FailureKind:   models.FailureInterrupted,
				FailureReason: models.FormatFailure(models.FailureInterrupted, ctx.Err()),
				Persisted:     true,
			}
		}
	}
}

func TestRunner_StopWaitsForInFlightJob(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	started := make(chan models.ULID, 1)
	release := make(chan struct{})
	var cancelled atomic.Bool
	f.proc.run = blockingRun(started, release, &cancelled)
	f.enqueue(t, 1)
	require.NoError(t, f.runner.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		f.runner.Stop()
		close(stopped)
	}()
	f.clock.awaitTimer(t, 30*time.Second, 1)

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.False(t, cancelled.Load())
	assert.Equal(t, int64(1), f.runner.GetStatus(context.Background()).Processed)
}

func TestRunner_ShutdownGraceInterruptsJob(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{ShutdownGrace: 15 * time.Second})
	started := make(chan models.ULID, 1)
	var cancelled atomic.Bool
	f.proc.run = blockingRun(started, make(chan struct{}), &cancelled)
	f.enqueue(t, 1)
	require.NoError(t, f.runner.Start(context.Background()))
	jobID := <-started

	status := f.runner.GetStatus(context.Background())
	require.Len(t, status.InFlight, 1)
	assert.Equal(t, jobID, status.InFlight[0].JobID)
	assert.Equal(t, "test/worker-1", status.InFlight[0].WorkerID)
	assert.True(t, f.runner.IsInFlight(jobID))

	stopped := make(chan struct{})
	go func() {
		f.runner.Stop()
		close(stopped)
	}()
	f.clock.awaitTimer(t, 15*time.Second, 1)
	assert.False(t, cancelled.Load())

	f.clock.Advance(15 * time.Second)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the shutdown grace")
	}

	assert.True(t, cancelled.Load())
	assert.False(t, f.runner.IsInFlight(jobID))
	status = f.runner.GetStatus(context.Background())
	assert.Equal(t, int64(1), status.Processed)
	assert.Equal(t, int64(1), status.Failed)
}

func TestRunner_StartContextDoesNotInterruptJobs(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	started := make(chan models.ULID, 1)
	release := make(chan struct{})
	var cancelled atomic.Bool
	f.proc.run = blockingRun(started, release, &cancelled)
	f.enqueue(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.runner.Start(ctx))
	<-started
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cancelled.Load())
	close(release)
	f.runner.Stop()
	assert.False(t, cancelled.Load())
}

func TestRunner_GetStatusCountsQueued(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{Workers: 2})
	f.enqueue(t, 3)

	status := f.runner.GetStatus(context.Background())
	assert.False(t, status.Running)
	assert.Equal(t, 2, status.Workers)
	assert.Equal(t, "test", status.InstanceID)
	assert.Equal(t, int64(3), status.QueuedJobs)
	assert.Empty(t, status.InFlight)
}
