package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/database"
	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/notify"
	"github.com/jmylchreest/vodarr/internal/pipeline"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/internal/startup"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/internal/toolexec"
	"github.com/jmylchreest/vodarr/internal/util"
	"github.com/jmylchreest/vodarr/internal/ytdlp"
)

// app holds the components shared by the serve, worker and submit commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *database.DB
	jobs     repository.JobRepository
	layout   *storage.Layout
	notifier notify.Notifier
}

// openApp connects to the database, migrates it and prepares the job root.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	layout, err := storage.NewLayout(cfg.Storage.JobsPath())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing notifier: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		jobs:     repository.NewJobRepository(db.DB),
		layout:   layout,
		notifier: notifier,
	}, nil
}

// Close releases the notifier and the database connection.
func (a *app) Close() {
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn("closing notifier failed", slog.String("error", err.Error()))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database failed", slog.String("error", err.Error()))
	}
}

// workers is the job-processing half of the service.
type workers struct {
	runner      *scheduler.Runner
	maintenance *scheduler.Maintenance
	ffmpeg      *ffmpeg.BinaryDetector
}

// resolveBinary finds a tool binary. A tool that cannot be found falls back
// to its bare name: the jobs that need it then fail with a tool-not-found
// reason instead of the process refusing to start.
func (a *app) resolveBinary(name, configured, envVar string) string {
	path, err := util.FindBinary(name, configured, envVar)
	if err != nil {
		a.logger.Warn("tool binary not found, jobs will fail until it is installed",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return name
	}
	a.logger.Info("using tool binary", slog.String("tool", name), slog.String("path", path))
	return path
}

// newWorkers builds the pipeline, the runner and the maintenance schedule.
func (a *app) newWorkers() *workers {
	tools := a.cfg.Tools
	exec := toolexec.NewExecRunner(a.logger)
	ytdlpBin := a.resolveBinary(util.YtDlpBinary, tools.YtDlpPath, util.YtDlpEnv)
	ffmpegBin := a.resolveBinary(util.FFmpegBinary, tools.FFmpegPath, util.FFmpegEnv)

	processor := pipeline.NewProcessor(pipeline.Dependencies{
		Jobs:   a.jobs,
		Layout: a.layout,
		Prober: ytdlp.NewExtractor(exec, ytdlpBin, tools.ProbeTimeout, a.logger),
		Acquirer: ytdlp.NewAcquirer(exec, a.layout, ytdlp.AcquirerConfig{
			Binary:    ytdlpBin,
			MaxHeight: tools.MaxHeight,
			Timeout:   tools.AcquireTimeout,
		}, a.logger),
		Transcoder: ffmpeg.NewTranscoder(exec, a.layout, ffmpeg.TranscoderConfig{
			Binary:         ffmpegBin,
			SegmentSeconds: tools.SegmentSeconds,
			Timeout:        tools.TranscodeTimeout,
			VerifySegments: tools.VerifySegments,
		}, a.logger),
		Logger: a.logger,
	}, pipeline.Config{
		PersistAttempts: a.cfg.Pipeline.PersistAttempts,
		PersistBackoff:  a.cfg.Pipeline.PersistBackoff,
	})

	runner := scheduler.NewRunner(a.jobs, processor).
		WithLogger(a.logger).
		WithWakeSource(a.notifier).
		WithConfig(scheduler.RunnerConfig{
			Workers:       a.cfg.Pipeline.Workers,
			InstanceID:    a.cfg.Pipeline.InstanceID,
			IdleBackoff:   a.cfg.Pipeline.IdleBackoff,
			ErrorBackoff:  a.cfg.Pipeline.ErrorBackoff,
			ShutdownGrace: a.cfg.Pipeline.ShutdownGrace,
		})

	maintenance := scheduler.NewMaintenance(a.jobs, a.layout, scheduler.MaintenanceConfig{
		StaleAfter:      a.cfg.Pipeline.StaleAfter,
		FailedRetention: a.cfg.Storage.FailedRetention,
	}).WithLogger(a.logger).WithInFlight(runner)

	return &workers{
		runner:      runner,
		maintenance: maintenance,
		ffmpeg:      ffmpeg.NewBinaryDetector(exec, ffmpegBin),
	}
}

// recoverJobs fails the jobs a previous run of this instance left in flight and
// removes stale partial downloads. Neither failure prevents start-up.
func (a *app) recoverJobs(ctx context.Context) {
	prefix := scheduler.WorkerIDPrefix(a.cfg.Pipeline.InstanceID)
	if _, err := startup.RecoverInterruptedJobs(ctx, a.logger, a.jobs, prefix); err != nil {
		a.logger.Warn("recovering interrupted jobs failed", slog.String("error", err.Error()))
	}
	if _, err := startup.CleanupPartialFiles(a.logger, a.layout.Root(), startup.DefaultCleanupAge); err != nil {
		a.logger.Warn("cleaning partial files failed", slog.String("error", err.Error()))
	}
}

// run starts the workers and maintenance in g. They stop when ctx is done.
func (w *workers) run(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) error {
	if info, err := w.ffmpeg.Detect(ctx); err != nil {
		logger.Warn("ffmpeg capability check failed", slog.String("error", err.Error()))
	} else if missing := info.Missing(); len(missing) > 0 {
		logger.Warn("ffmpeg lacks required components, transcodes will fail",
			slog.String("version", info.Version),
			slog.Any("missing", missing),
		)
	}

	if err := w.runner.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		w.runner.Stop()
		return nil
	})

	if cfg.Maintenance.Enabled {
		if err := w.maintenance.Start(ctx, cfg.Maintenance.Cron); err != nil {
			return fmt.Errorf("starting maintenance: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			w.maintenance.Stop()
			return nil
		})
	}
	return nil
}
