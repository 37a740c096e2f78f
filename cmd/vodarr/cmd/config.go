package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/observability"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration in YAML format, after defaults, the
config file, .env and environment variables have been applied. Credentials in
the database DSN and Redis URL are redacted.

The output can be used as a configuration template:

  vodarr config > config.yaml

Environment variables use the VODARR_ prefix and underscores for nesting.
Example: pipeline.workers -> VODARR_PIPELINE_WORKERS`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(cmd.OutOrStdout(), appConfig)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// writeConfig renders cfg as YAML with credentials redacted.
func writeConfig(w io.Writer, cfg *config.Config) error {
	out := *cfg
	out.Database.DSN = observability.RedactURL(out.Database.DSN)
	out.Notify.RedisURL = observability.RedactURL(out.Notify.RedisURL)

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# vodarr configuration")
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
