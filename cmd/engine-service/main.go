package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meridian/internal/config"
	"meridian/internal/constants"
	"meridian/internal/logger"
	"meridian/pkg/logging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceEngine,
		Short: "Engine service for the message pipeline",
		Long:  "Engine service runs the configured routes: it ingests, processes and forwards messages and records their lineage",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine service",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog(constants.ServiceEngine)

			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
				if configFile == "" {
					earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
					return fmt.Errorf("config file is required")
				}
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				earlyLog.Error("Failed to load config: %v", err)
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ctx = logging.WithServiceName(ctx, constants.ServiceEngine)
			log.InfowCtx(ctx, "Starting Engine Service", "owner", cfg.Instance.Owner)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				shutdownErr := app.Shutdown(context.Background())
				if shutdownErr != nil {
					log.ErrorwCtx(ctx, "Shutdown after failed init", "error", shutdownErr)
				}
				return err
			}

			runErr := app.Run(ctx)
			if runErr != nil {
				log.ErrorwCtx(ctx, "Application error", "error", runErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer shutdownCancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.ErrorwCtx(ctx, "Shutdown error", "error", err)
			}
			return runErr
		},
	}
}
