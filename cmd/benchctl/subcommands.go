package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/benchctl/internal/assets"
	"github.com/3cpo-dev/benchctl/internal/bench"
	"github.com/3cpo-dev/benchctl/internal/client"
	"github.com/3cpo-dev/benchctl/internal/core"
	"github.com/3cpo-dev/benchctl/internal/dashboard"
	gssh "github.com/3cpo-dev/benchctl/internal/ssh"
	"github.com/3cpo-dev/benchctl/internal/telemetry"
	"github.com/3cpo-dev/benchctl/internal/workload"
)

const (
	assetsTimeout    = time.Hour
	dashboardTimeout = 60 * time.Second
	targetTimeout    = 60 * time.Second
	mirrorTimeout    = 30 * time.Second
)

// Resolve the configuration, letting explicitly set flags win
func resolveConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	str := func(name string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("dashboard-url", &cfg.DashboardURL)
	str("target-url", &cfg.TargetURL)
	str("report-folder", &cfg.ReportFolder)
	str("asset-folder", &cfg.AssetFolder)
	str("log-filter", &cfg.LogFilter)
	str("api-key", &cfg.APIKey)
	str("master-key", &cfg.MasterKey)
	str("assets-key", &cfg.AssetsKey)
	if f := cmd.Flags().Lookup("ledger"); f != nil && f.Changed {
		path := f.Value.String()
		cfg.Ledger = &path
	}
	return cfg, nil
}

// Parse the log filter and apply it to the global logger
func setupLogFilter(cfg core.Config) (telemetry.LogFilter, error) {
	filter, err := telemetry.ParseLogFilter(cfg.LogFilter)
	if err != nil {
		return filter, err
	}
	zerolog.SetGlobalLevel(filter.Minimum())
	return filter, nil
}

// Run workloads and report them
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] WORKLOAD_FILE...",
		Short: "Run workload files in order and report the invocation to the dashboard",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			filter, err := setupLogFilter(cfg)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			base := log.Logger
			metrics := telemetry.NewCollector()

			assetsClient := client.New("", cfg.AssetsKey, assetsTimeout)
			dashboardClient := client.New(strings.TrimRight(cfg.DashboardURL, "/")+"/api/v1", cfg.APIKey, dashboardTimeout)
			logsClient := client.New(strings.TrimRight(cfg.TargetURL, "/")+"/logs/stream", cfg.MasterKey, 0)
			targetClient := client.New(cfg.TargetURL, cfg.MasterKey, targetTimeout)

			assetsLog := filter.Logger(base, "assets")
			sources := assets.NewRegistry()
			sources.Register(&assets.HTTPSource{Client: client.NewRetrying(assetsClient, client.DefaultRetryConfig(), 0, assetsLog)})
			sources.Register(assets.FileSource{})
			sources.Register(&assets.SFTPSource{
				KeyPath:    cfg.Mirror.KeyPath,
				KnownHosts: cfg.Mirror.KnownHosts,
				User:       cfg.Mirror.User,
				Timeout:    mirrorTimeout,
			})

			dash := dashboard.New(dashboardClient, filter.Logger(base, "dashboard"), metrics)
			runner := &workload.Runner{
				Target:       targetClient,
				Logs:         logsClient,
				Dashboard:    dash,
				Assets:       &assets.Fetcher{Folder: cfg.AssetFolder, Sources: sources, Log: assetsLog},
				ReportFolder: cfg.ReportFolder,
				Log:          filter.Logger(base, "workload"),
				Metrics:      metrics,
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupts)

			bc := bench.Config{
				Workloads:  args,
				Reason:     reason,
				Dashboard:  dash,
				Executor:   runner,
				Load:       workload.Load,
				Interrupts: interrupts,
				Logger:     base,
				LogFilter:  filter,
			}
			if path := cfg.LedgerPath(); path != "" {
				store, err := core.NewStore(path)
				if err != nil {
					return err
				}
				defer store.Close()
				bc.Ledger = store
			}
			return bench.NewController(bc).Run(cmd.Context())
		},
	}
	cmd.Flags().String("dashboard-url", core.DefaultDashboardURL, "dashboard base URL")
	cmd.Flags().String("target-url", core.DefaultTargetURL, "URL of the service under benchmark")
	cmd.Flags().String("report-folder", core.DefaultReportFolder, "directory receiving run reports and traces")
	cmd.Flags().String("asset-folder", core.DefaultAssetFolder, "directory caching workload assets")
	cmd.Flags().String("api-key", "", "dashboard API key (or "+core.EnvAPIKey+")")
	cmd.Flags().String("master-key", "", "target master key (or "+core.EnvMasterKey+")")
	cmd.Flags().String("assets-key", "", "asset server key (or "+core.EnvAssetsKey+")")
	cmd.Flags().StringP("reason", "r", "", "reason recorded with the invocation")
	cmd.Flags().String("ledger", core.DefaultLedgerPath(), "invocation ledger file, empty to disable")
	return cmd
}

// List ledger entries
func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List invocations recorded on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			path := cfg.LedgerPath()
			if path == "" {
				return errors.New("ledger is disabled")
			}
			store, err := core.NewStore(path)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				finished := "-"
				if e.FinishedAt != nil {
					finished = e.FinishedAt.Local().Format(time.RFC3339)
				}
				fmt.Printf("%s\t%s\t%d\t%s\t%s\t%s\n", e.UUID, e.Status, e.Workloads,
					e.StartedAt.Local().Format(time.RFC3339), finished, e.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of entries, 0 for all")
	cmd.Flags().String("ledger", core.DefaultLedgerPath(), "invocation ledger file")
	return cmd
}

// Initialize configuration and the asset mirror key
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "benchctl initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			cfg := core.DefaultConfig()
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := core.WriteConfig(cfgPath, cfg); err != nil {
					return err
				}
				fmt.Printf("created default config at %s\n", cfgPath)
			} else {
				loaded, err := core.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
				fmt.Printf("config already present at %s\n", cfgPath)
			}

			if err := gssh.EnsureKnownHostsFile(cfg.Mirror.KnownHosts); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Mirror.KeyPath); os.IsNotExist(err) {
				pub, err := gssh.GenerateEd25519Keypair(cfg.Mirror.KeyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated asset mirror key %s\n%s", cfg.Mirror.KeyPath, pub)
			}
			return nil
		},
	}
}
