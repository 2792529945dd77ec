package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/config"
	"github.com/nicktill/tinyexp/pkg/logging"
	"github.com/nicktill/tinyexp/pkg/server"
	"github.com/nicktill/tinyexp/pkg/storage/postgres"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "tinyexp",
		Short:         "tinyexp - experiment analysis and campaign optimization",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runJobCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the global logger.
func setup() (config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, flush, err := logging.Install(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, logger, flush, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					logger.Error("failed to close storage", zap.Error(err))
				}
			}()

			if err := server.Serve(ctx, app); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long: `Apply pending schema migrations to the database named by postgres_dsn
(or TINYEXP_POSTGRES_DSN).

Examples:
  tinyexp migrate --config tinyexp.yaml
  tinyexp migrate --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()

			if cfg.PostgresDSN == "" {
				return fmt.Errorf("postgres_dsn is not set")
			}
			if !status {
				if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
					return err
				}
			}
			version, dirty, err := postgres.MigrationVersion(cfg.PostgresDSN)
			if err != nil {
				return err
			}
			logger.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print the current version without migrating")
	return cmd
}

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job [id]",
		Short: "Run one background job to completion and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			report, runErr := app.Scheduler.RunNow(ctx, args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return runErr
		},
	}
}
