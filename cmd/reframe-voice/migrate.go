package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newMigrateCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending journal migrations to REFRAME_DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadConfig == nil || deps.openJournal == nil {
				return fmt.Errorf("missing migrate dependency")
			}
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return fmt.Errorf("REFRAME_DATABASE_URL is required")
			}
			logger := newLogger(cfg, stderr)

			ctx := cmd.Context()
			store, err := deps.openJournal(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if statusOnly {
				statuses, err := store.MigrationStatus(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				for _, st := range statuses {
					fmt.Fprintf(out, "%-8s %s\n", st.State, filepath.Base(st.Source.Path))
				}
				return nil
			}

			results, err := store.Migrate(ctx)
			for _, res := range results {
				fmt.Fprintf(out, "applied %s (%s)\n", filepath.Base(res.Source.Path), res.Duration)
			}
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("journal migrations applied", "count", len(results))
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "print migration status without applying")
	return cmd
}
