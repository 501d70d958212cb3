// Command gorecon runs the payment ledger reconciler: webhook ingestion, the
// replay worker, scheduled sweeps and the operator API.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

type rootOptions struct {
	configPath string
}

func main() {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "gorecon",
		Short:         "Payment ledger reconciliation against the processor's record of truth",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./gorecon.yaml or /etc/gorecon/gorecon.yaml)")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(sweepCmd(opts))
	rootCmd.AddCommand(replayCmd(opts))
	rootCmd.AddCommand(migrateCmd(opts))
	return rootCmd
}
