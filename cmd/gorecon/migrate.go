package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gorecon/storage/postgres"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect the PostgreSQL schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres.url is required (GORECON_POSTGRES_URL)")
			}

			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			out := cmd.OutOrStdout()
			switch action {
			case "up":
				if err := postgres.MigrateUp(cfg.Postgres.URL); err != nil {
					return err
				}
				fmt.Fprintln(out, "migrations applied")
			case "down":
				if err := postgres.MigrateDown(cfg.Postgres.URL); err != nil {
					return err
				}
				fmt.Fprintln(out, "migrations rolled back")
			case "version":
				version, dirty, err := postgres.MigrationVersion(cfg.Postgres.URL)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version %d (dirty: %t)\n", version, dirty)
			}
			return nil
		},
	}
}
