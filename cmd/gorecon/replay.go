package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func replayCmd(opts *rootOptions) *cobra.Command {
	var (
		force bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Replay one ledger event, or process the due replay queue once",
		Example: `  gorecon replay 6b1f4c1e-1c9a-4d0e-9a57-0f3c2d7f1e22
  gorecon replay 6b1f4c1e-1c9a-4d0e-9a57-0f3c2d7f1e22 --force
  gorecon replay --limit 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				if force {
					return fmt.Errorf("--force needs an event id")
				}
				n, err := a.replayer.ProcessPending(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "replayed %d events\n", n)
				return nil
			}

			outcome, err := a.replayer.Replay(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replay even when the attempt ceiling is reached")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to process without an event id")
	return cmd
}
