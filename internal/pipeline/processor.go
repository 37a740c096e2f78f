// Package pipeline runs one claimed job through metadata probe, acquisition
// and transcoding, persisting each state transition as it happens.
//
// A Processor never returns an error to its caller: every failure inside a
// job is recorded on the job itself. The scheduler owns claiming and looping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/internal/ytdlp"
)

// Step IDs, in execution order.
const (
	StepProbe     = "probe"
	StepAcquire   = "acquire"
	StepTranscode = "transcode"
	StepFinalize  = "finalize"
)

// finalWriteTimeout bounds the terminal write made after the work context is gone.
const finalWriteTimeout = 30 * time.Second

// MetadataProber reads remote metadata without downloading media.
type MetadataProber interface {
	Extract(ctx context.Context, url string) (*ytdlp.InfoDump, []byte, error)
}

// MediaAcquirer downloads the media for a job and returns its path.
type MediaAcquirer interface {
	Acquire(ctx context.Context, id models.ULID, url string) (string, error)
}

// MediaTranscoder packages acquired media as HLS.
type MediaTranscoder interface {
	Transcode(ctx context.Context, id models.ULID, sourcePath string) (*ffmpeg.Output, error)
}

// Dependencies bundles what a Processor needs.
type Dependencies struct {
	Jobs       repository.JobRepository
	Layout     *storage.Layout
	Prober     MetadataProber
	Acquirer   MediaAcquirer
	Transcoder MediaTranscoder
	Logger     *slog.Logger
}

// Config holds processor tuning.
type Config struct {
	// PersistAttempts is how many times a write is tried before the job is abandoned.
	PersistAttempts int
	// PersistBackoff is the linear backoff unit between attempts.
	PersistBackoff time.Duration
}

// Result is the outcome of processing one job.
type Result struct {
	JobID         models.ULID
	Status        models.JobStatus
	FailureKind   models.FailureKind
	FailureReason string
	// Persisted is false when the final state could not be written and the
	// job was abandoned in Status, its last persisted state.
	Persisted bool
	Warnings  int
	Duration  time.Duration
}

type step struct {
	id  string
	run func(ctx context.Context, s *jobState) error
}

// Processor drives a single job through the pipeline steps.
type Processor struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	steps  []step
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a Processor.
func NewProcessor(deps Dependencies, cfg Config) *Processor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PersistAttempts < 1 {
		cfg.PersistAttempts = 1
	}
	p := &Processor{
		deps:   deps,
		cfg:    cfg,
		logger: observability.WithComponent(deps.Logger, "pipeline"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	p.steps = []step{
		{id: StepProbe, run: p.probe},
		{id: StepAcquire, run: p.acquire},
		{id: StepTranscode, run: p.transcode},
		{id: StepFinalize, run: p.finalize},
	}
	return p
}

// Process runs job, which must already be claimed (status downloading), to a
// terminal state. Cancellation of ctx is honoured between steps and kills a
// running tool; the job is then failed as interrupted.
func (p *Processor) Process(ctx context.Context, job *models.Job) (res *Result) {
	state := newJobState(job, p.now())
	log := observability.WithJob(p.logger, job.ID.String())

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "job panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = p.fail(ctx, state, models.FailureInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	log.InfoContext(ctx, "processing job",
		slog.String("source_url", job.SourceURL),
		slog.String("worker_id", job.WorkerID),
	)

	for i, st := range p.steps {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, state, models.FailureInterrupted, err)
		}
		if err := p.executeStep(ctx, log, i, st, state); err != nil {
			if errors.Is(err, ErrAbandoned) {
				return p.abandoned(state)
			}
			return p.fail(ctx, state, Classify(err), err)
		}
	}

	res = p.result(state, true)
	log.InfoContext(ctx, "job ready",
		slog.Int("segments", state.output.Segments),
		slog.Int64("file_size_bytes", state.sizeBytes),
		slog.Duration("duration", res.Duration),
	)
	return res
}

func (p *Processor) executeStep(ctx context.Context, log *slog.Logger, index int, st step, s *jobState) (err error) {
	log.DebugContext(ctx, "executing step",
		slog.Int("step_num", index+1),
		slog.Int("total_steps", len(p.steps)),
		slog.String("step_id", st.id),
	)
	done := observability.TimedOperationWithError(ctx, log, st.id, &err)
	defer done()

	if err = st.run(ctx, s); err != nil {
		return &StepError{StepID: st.id, Err: err}
	}
	return nil
}

// probe fills metadata. Its failures are absorbed: the job continues
// without metadata.
func (p *Processor) probe(ctx context.Context, s *jobState) error {
	log := observability.WithJob(p.logger, s.job.ID.String())

	dump, raw, err := p.deps.Prober.Extract(ctx, s.job.SourceURL)
	if len(raw) > 0 {
		if werr := p.deps.Layout.WriteCompressed(s.job.ID, storage.InfoDumpName, raw); werr != nil {
			log.WarnContext(ctx, "storing metadata dump failed", slog.String("error", werr.Error()))
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.addWarning(err)
		log.WarnContext(ctx, "metadata probe failed, continuing without metadata", slog.String("error", err.Error()))
		return nil
	}

	patch := dump.Metadata().Patch()
	if patch.IsEmpty() {
		return nil
	}
	if err := p.persist(ctx, s, patch); err != nil {
		s.addWarning(err)
		log.WarnContext(ctx, "persisting metadata failed", slog.String("error", err.Error()))
	}
	return nil
}

// acquire moves the job to processing as the media fetch begins.
func (p *Processor) acquire(ctx context.Context, s *jobState) error {
	if err := p.persist(ctx, s, models.JobPatch{Status: models.Ptr(models.JobStatusProcessing)}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrAbandoned, err)
	}

	path, err := p.deps.Acquirer.Acquire(ctx, s.job.ID, s.job.SourceURL)
	if err != nil {
		return err
	}
	s.sourcePath = path
	s.dir = p.deps.Layout.JobDir(s.job.ID)
	return nil
}

func (p *Processor) transcode(ctx context.Context, s *jobState) error {
	out, err := p.deps.Transcoder.Transcode(ctx, s.job.ID, s.sourcePath)
	if err != nil {
		return err
	}
	s.output = out
	return nil
}

func (p *Processor) finalize(ctx context.Context, s *jobState) error {
	size, err := p.deps.Layout.DirSize(s.job.ID)
	if err != nil {
		return err
	}
	s.sizeBytes = size

	patch := models.JobPatch{
		Status:        models.Ptr(models.JobStatusReady),
		ArtifactPath:  models.Ptr(s.output.PlaylistPath),
		FileSizeBytes: models.Ptr(size),
		CompletedAt:   models.Ptr(p.now()),
	}
	if err := p.persist(detached(ctx), s, patch); err != nil {
		return fmt.Errorf("%w: %w", ErrAbandoned, err)
	}
	return nil
}

// fail records the job as failed. The write uses a context detached from ctx
// so an interrupted job is still recorded.
func (p *Processor) fail(ctx context.Context, s *jobState, kind models.FailureKind, cause error) *Result {
	reason := models.FormatFailure(kind, cause)
	log := observability.WithJob(p.logger, s.job.ID.String())

	patch := models.JobPatch{
		Status:        models.Ptr(models.JobStatusFailed),
		FailureReason: models.Ptr(reason),
		CompletedAt:   models.Ptr(p.now()),
	}
	wctx, cancel := context.WithTimeout(detached(ctx), finalWriteTimeout)
	defer cancel()
	if err := p.persist(wctx, s, patch); err != nil {
		log.ErrorContext(ctx, "recording job failure failed, job abandoned",
			slog.String("status", string(s.job.Status)),
			slog.String("failure_reason", reason),
			slog.String("error", err.Error()),
		)
		return p.result(s, false)
	}

	log.WarnContext(ctx, "job failed",
		slog.String("failure_kind", string(kind)),
		slog.String("failure_reason", reason),
	)
	res := p.result(s, true)
	res.FailureKind = kind
	return res
}

func (p *Processor) abandoned(s *jobState) *Result {
	p.logger.Error("job abandoned in last persisted state",
		slog.String("job_id", s.job.ID.String()),
		slog.String("status", string(s.job.Status)),
	)
	return p.result(s, false)
}

func (p *Processor) result(s *jobState, persisted bool) *Result {
	return &Result{
		JobID:         s.job.ID,
		Status:        s.job.Status,
		FailureReason: s.job.FailureReason,
		Persisted:     persisted,
		Warnings:      len(s.warnings),
		Duration:      p.now().Sub(s.startTime),
	}
}

// persist writes patch with linear backoff between attempts and applies it to
// the in-memory copy once stored. Only store failures are retried; a refused
// transition means another writer already moved the job.
func (p *Processor) persist(ctx context.Context, s *jobState, patch models.JobPatch) error {
	var err error
	for attempt := 1; attempt <= p.cfg.PersistAttempts; attempt++ {
		err = p.deps.Jobs.Update(ctx, s.job.ID, patch)
		if err == nil {
			s.apply(patch)
			return nil
		}
		if !errors.Is(err, repository.ErrPersistence) || attempt == p.cfg.PersistAttempts {
			break
		}
		p.logger.WarnContext(ctx, "persisting job update failed, retrying",
			slog.String("job_id", s.job.ID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if serr := p.sleep(ctx, time.Duration(attempt)*p.cfg.PersistBackoff); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// detached keeps ctx values such as the logger but drops its cancellation.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
