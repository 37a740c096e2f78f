package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/jmylchreest/vodarr/internal/http"
	"github.com/jmylchreest/vodarr/internal/http/handlers"
	"github.com/jmylchreest/vodarr/internal/service"
	"github.com/jmylchreest/vodarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and workers",
	Long: `Start the vodarr HTTP API together with the job workers.

The server provides:
- REST API for submitting and managing jobs
- HLS streams of finished jobs under /streams/{id}/
- Health checks at /health, /livez and /readyz
- OpenAPI documentation at /docs

Use --no-workers to run the API alone, with "vodarr worker" processes
sharing the same database.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().Int("workers", 0, "Number of workers (overrides pipeline.workers)")
	serveCmd.Flags().Bool("no-workers", false, "Serve the API without processing jobs")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if err := applyFlagOverrides(cmd.Flags(), cfg); err != nil {
		return err
	}
	noWorkers, _ := cmd.Flags().GetBool("no-workers")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	jobService := service.NewJobService(a.jobs, a.layout).
		WithLogger(logger).
		WithNotifier(a.notifier)

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(a.db).
		WithJobsDir(a.layout.Root())

	g, gctx := errgroup.WithContext(ctx)

	if !noWorkers {
		a.recoverJobs(ctx)
		w := a.newWorkers()
		jobService.WithRunner(w.runner)
		healthHandler.WithFFmpeg(w.ffmpeg)
		if err := w.run(gctx, g, cfg, logger); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	handlers.NewJobHandler(jobService).Register(server.API())
	healthHandler.Register(server.API())
	handlers.NewStreamHandler(jobService).WithLogger(logger).RegisterChiRoutes(server.Router())

	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	logger.Info("vodarr started",
		slog.String("address", server.Address()),
		slog.String("version", version.Version),
		slog.Bool("workers", !noWorkers),
	)

	<-gctx.Done()
	logger.Info("shutting down")
	return waitGroup(g)
}

// waitGroup waits for g and treats cancellation as a clean shutdown.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
