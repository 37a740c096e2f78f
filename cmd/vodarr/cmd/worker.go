package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process jobs without serving the API",
	Long: `Run job workers against the configured database without an HTTP server.

Several worker processes may share one database; each job is claimed by
exactly one of them. Give every process its own pipeline.instance_id so
interrupted jobs are recovered by the process that owned them. With
notify.driver set to redis, workers wake as soon as a job is submitted.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("workers", 0, "Number of workers (overrides pipeline.workers)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if err := applyFlagOverrides(cmd.Flags(), cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.recoverJobs(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if err := a.newWorkers().run(gctx, g, cfg, logger); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	logger.Info("workers started")
	<-gctx.Done()
	logger.Info("shutting down")
	return waitGroup(g)
}
