package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/benchctl/internal/envinfo"
	"github.com/3cpo-dev/benchctl/internal/telemetry"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchctl",
		Short: "benchctl: run benchmark workloads and report them to the dashboard",
		Long:  "benchctl runs an ordered list of benchmark workloads against a target service and keeps the results dashboard informed of how the invocation ends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log-filter", "l", "info", "Log filter, e.g. info or info,workload=debug. Levels: trace, debug, info, warn, error, off")
	cmd.PersistentFlags().String("config", "", "config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newLedgerCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			rev := commit
			if rev == "" {
				rev = envinfo.ToolRevision()
			}
			fmt.Printf("benchctl %s (%s) %s\n", version, rev, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	log.Logger = telemetry.NewConsoleLogger(os.Stderr)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
