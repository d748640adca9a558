package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"attachsync/internal/app"
	"attachsync/pkg/config"
	"attachsync/pkg/logger"
	"attachsync/pkg/state"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and download counts",
	Long: `Show the current queue depth and the number of attachments in each
download state. Reads the same queue and database as the running service.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// No API calls are made here, so a missing token is fine.
	a, err := app.New(cfg, logger.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()

	depth, counts, err := a.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	fmt.Printf("Queue depth: %d\n\n", depth)
	fmt.Println("Attachments:")
	for _, st := range []state.Status{
		state.StatusPending,
		state.StatusDownloading,
		state.StatusCompleted,
		state.StatusFailed,
		state.StatusSkipped,
	} {
		fmt.Printf("  %-12s %d\n", st, counts[st])
	}
	return nil
}
