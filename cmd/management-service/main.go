package main

import (
	"context"
	"encoding/json"
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
		Use:   constants.ServiceManagement,
		Short: "Management Service for the message pipeline",
		Long:  "Management Service provides a REST API for component state, message lineage and event backlog",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(componentsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog(constants.ServiceManagement)

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the management service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ctx = logging.WithServiceName(ctx, constants.ServiceManagement)
			log.InfowCtx(ctx, "Starting Management Service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
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

// componentsCmd drives component state from the command line against the
// same database and state topic the API uses.
func componentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "components",
		Short: "List components or change their state",
	}

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.service.ListComponents(ctx, owner)
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "Only list components of this owner")

	cmd.AddCommand(list, stateCmd("start"), stateCmd("stop"))
	return cmd
}

func stateCmd(op string) *cobra.Command {
	var side string
	c := &cobra.Command{
		Use:   op + " <component-id>",
		Short: "Set a component side to " + op,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.service.SetState(ctx, args[0], side, op)
			})
		},
	}
	c.Flags().StringVar(&side, "side", "inbound", "inbound or outbound")
	return c
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) (any, error)) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfg, log)
	defer app.Shutdown(context.Background())
	if err := app.initService(ctx); err != nil {
		return err
	}

	out, err := fn(ctx, app)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
