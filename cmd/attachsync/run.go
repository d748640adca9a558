package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"attachsync/internal/app"
	"attachsync/pkg/auth"
	"attachsync/pkg/config"
	"attachsync/pkg/logger"
)

var tokenLabel string

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the attachment sync service",
	Long: `Run the poller and download workers until interrupted.

The service polls Missive for recently active conversations, enqueues the
ones carrying attachments into the durable queue, and downloads each
attachment exactly once. Interrupted work is recovered on the next start.

The API token is resolved from, in order:
  - the configuration file
  - the MISSIVE_API_TOKEN environment variable
  - the token stored with 'attachsync auth set'`,
	Example: `  # Run with the default config search path
  attachsync run

  # Run with an explicit config file
  attachsync run --config /etc/attachsync/config.yaml`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&tokenLabel, "token-label", auth.DefaultLabel, "stored token to use")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if cfg.Missive.APIToken == "" {
		if manager, merr := auth.NewManager(); merr == nil {
			if token, terr := manager.Retrieve(tokenLabel); terr == nil {
				cfg.Missive.APIToken = token.APIToken
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
