package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var abandonReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a submission",
	Long: `Cancel a submission. Records in Created, Signing, Pending or
FailedTransient can be cancelled; a cancel during an in-flight attempt
waits for it and applies only if the record still allows it. An issued
NFS-e must be cancelled at the municipality itself.

Examples:
  nfse-submitter cancel 5f0c2e8a-...`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var abandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Fail a submission and flag it for manual review",
	Long: `Move a non-terminal submission to FailedPermanent and flag it for
manual review. Use it for Pending records the municipality never
resolves.

Examples:
  nfse-submitter abandon 5f0c2e8a-... --reason "protocol lost at municipality"`,
	Args: cobra.ExactArgs(1),
	RunE: runAbandon,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(abandonCmd)

	abandonCmd.Flags().StringVar(&abandonReason, "reason", "", "Reason recorded in the history")
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := newClient().Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	return printStatus(st)
}

func runAbandon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := newClient().Abandon(ctx, args[0], abandonReason)
	if err != nil {
		return err
	}
	return printStatus(st)
}
