package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/http/handlers"
	"github.com/jmylchreest/vodarr/internal/service"
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>",
	Short: "Queue a URL for processing",
	Long: `Queue a media page URL directly in the configured database and print the
new job ID. Running workers pick it up on their next poll, or at once when
they share a redis notifier with this command.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().String("title", "", "Title to use instead of the probed one")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")

	a, err := openApp(cmd.Context(), appConfig, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := service.NewJobService(a.jobs, a.layout).
		WithLogger(logger).
		WithNotifier(a.notifier).
		Submit(cmd.Context(), service.SubmitRequest{URL: args[0], Title: title})
	if err != nil {
		return fmt.Errorf("submitting job: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), job.ID.String())
	fmt.Fprintf(cmd.ErrOrStderr(), "queued; once ready it is served at %s\n", handlers.StreamPath(job.ID))
	return nil
}
