package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/logger"
)

var Version = "dev"

var (
	configPath string
	envOnly    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operator tooling for the escrow settlement engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().BoolVar(&envOnly, "env-only", false, "read configuration from ESCROW_* variables only")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(escalationsCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, envOnly)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

// withApp boots the full service graph for one command.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	// escrowctl never migrates implicitly; use the migrate command.
	cfg.DB.MigrateOnStart = false

	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
