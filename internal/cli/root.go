package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"VisaTracker/internal/app"
	"VisaTracker/internal/config"
	"VisaTracker/internal/logging"
)

var (
	logLevel string
	rootCmd  *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "visatracker",
		Short: "Visa application status tracker",
		Long: `visatracker proxies the visa status API, keeps student records,
re-checks them on a schedule and reports status changes to Telegram.`,
		RunE:          runServe, // Default action is serve
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// Execute runs the root command
func Execute(version string) error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func loadConfig() (config.Config, *slog.Logger) {
	cfg := config.Load()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

func newApplication(ctx context.Context) (*app.Application, *slog.Logger, error) {
	cfg, logger := loadConfig()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return application, logger, nil
}
