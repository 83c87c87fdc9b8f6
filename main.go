package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"replayGuard/config"
	"replayGuard/internal/adapters/logger"
	metricsadapter "replayGuard/internal/adapters/prometheus"
	"replayGuard/internal/adapters/sqlite"
	"replayGuard/internal/app"
)

// runtime holds the dependencies shared by every subcommand.
type runtime struct {
	cfg      *config.Config
	logger   *logger.ZeroLogger
	recorder *metricsadapter.Recorder
	repo     *sqlite.Repository
	service  *app.ReplayService
}

var rt runtime

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	teardown(context.WithoutCancel(ctx))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "replayguard",
		Short:         "Calendar-aware data quality and cost-aware backtest validation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}
	root.PersistentFlags().String("settings", "", "Path to the settings YAML (overrides SETTINGS_PATH)")

	root.AddCommand(
		newQualityCmd(),
		newBacktestCmd(),
		newOptimizeCmd(),
		newValidateCmd(),
	)
	return root
}

func setup(cmd *cobra.Command) error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("settings"); path != "" {
		cfg.SettingsPath = path
	}
	rt.cfg = cfg

	// 2. Initialize Logger
	rt.logger = logger.NewZeroLogger(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := cmd.Context()
	rt.logger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Load Settings
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		rt.logger.Error(ctx, err, "Failed to load settings", map[string]interface{}{"path": cfg.SettingsPath})
		return err
	}

	// 4. Initialize Metrics
	rt.recorder = metricsadapter.New()

	// 5. Initialize Repository (Database Adapter)
	rt.repo, err = sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: rt.logger})
	if err != nil {
		rt.logger.Error(ctx, err, "Failed to initialize database repository")
		return err
	}

	// 6. Initialize Application Service
	rt.service, err = app.NewReplayService(settings, rt.logger, rt.recorder, rt.repo)
	if err != nil {
		rt.logger.Error(ctx, err, "Failed to initialize replay service")
		_ = rt.repo.Close()
		return err
	}
	return nil
}

// teardown flushes metrics and closes the repository. It runs after failed commands too.
func teardown(ctx context.Context) {
	if rt.service == nil {
		return
	}
	if rt.cfg.MetricsFile != "" {
		if err := rt.recorder.WriteTextfile(rt.cfg.MetricsFile); err != nil {
			rt.logger.Error(ctx, err, "Failed to write metrics textfile")
		}
	}
	if err := rt.repo.Close(); err != nil {
		rt.logger.Error(ctx, err, "Error closing database repository")
	}
}
