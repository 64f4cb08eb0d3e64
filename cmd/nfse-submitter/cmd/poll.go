package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every due Pending submission once",
	Long: `Run a single reconciliation pass against the configured store: every
Pending submission whose poll is due is queried at its municipality and
moved to Issued, Rejected or its next poll.

Useful from cron when the server is not running.

Examples:
  nfse-submitter poll --config nfse.yaml`,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	n, err := a.reconciler.PollOnce(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	fmt.Printf("Polled %d pending submissions\n", n)
	return nil
}
