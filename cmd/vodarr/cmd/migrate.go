package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/database"
	"github.com/jmylchreest/vodarr/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect and change the database schema version",
	Long: `Inspect and change the job store schema.

serve, worker and submit apply pending migrations on start, so "up" is only
needed to migrate ahead of a deploy. "down" reverts the newest migrations,
for example before rolling back to an older vodarr release.`,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
			return migrateStatus(ctx, m, cmd.OutOrStdout())
		})
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
			return migrateUp(ctx, m, cmd.OutOrStdout())
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert the newest applied migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		return withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
			return migrateDown(ctx, m, steps, cmd.OutOrStdout())
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd, migrateUpCmd, migrateDownCmd)

	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to revert")
}

// withMigrator opens the configured database without migrating it.
func withMigrator(cmd *cobra.Command, fn func(context.Context, *migrations.Migrator) error) error {
	db, err := database.New(appConfig.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()
	return fn(cmd.Context(), db.SchemaMigrator())
}

func migrateStatus(ctx context.Context, m *migrations.Migrator, w io.Writer) error {
	statuses, err := m.Status(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tDESCRIPTION")
	for _, s := range statuses {
		state, at := "pending", "-"
		if s.Applied {
			state = "applied"
			at = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Version, state, at, s.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d pending\n", len(migrations.Pending(statuses)))
	return nil
}

func migrateUp(ctx context.Context, m *migrations.Migrator, w io.Writer) error {
	applied, err := m.Up(ctx)
	if len(applied) > 0 {
		fmt.Fprintf(w, "applied: %s\n", strings.Join(applied, ", "))
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(w, "schema is up to date")
	}
	return nil
}

func migrateDown(ctx context.Context, m *migrations.Migrator, steps int, w io.Writer) error {
	reverted, err := m.Down(ctx, steps)
	if len(reverted) > 0 {
		fmt.Fprintf(w, "reverted: %s\n", strings.Join(reverted, ", "))
	}
	if err != nil {
		return err
	}
	if len(reverted) == 0 {
		fmt.Fprintln(w, "nothing to revert")
	}
	return nil
}
