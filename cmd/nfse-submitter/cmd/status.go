package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/pkg/nfse"
)

var showHistory bool

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the status of a submission",
	Long: `Show the current state of a submission record, its result once
issued and, with --history, every state transition.

Examples:
  nfse-submitter status 5f0c2e8a-...
  nfse-submitter status 5f0c2e8a-... --history
  nfse-submitter status 5f0c2e8a-... -f json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&showHistory, "history", false, "Show state transition history")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := newClient().Status(ctx, args[0])
	if err != nil {
		return err
	}
	return printStatus(st)
}

// printStatus writes a status response as JSON or as a key/value table
func printStatus(st *nfse.StatusResponse) error {
	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(st)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", st.ID)
	fmt.Fprintf(tw, "State:\t%s\n", st.State)
	fmt.Fprintf(tw, "Municipality:\t%s\n", st.MunicipalityCode)
	fmt.Fprintf(tw, "Idempotency key:\t%s\n", st.IdempotencyKey)
	fmt.Fprintf(tw, "Attempts:\t%d\n", st.Attempts)
	if st.TrackingID != "" {
		fmt.Fprintf(tw, "Tracking ID:\t%s\n", st.TrackingID)
	}
	if st.ManualReview {
		fmt.Fprintf(tw, "Manual review:\tyes\n")
	}
	if st.NextRetryAt != nil {
		fmt.Fprintf(tw, "Next retry:\t%s\n", st.NextRetryAt.Format(time.RFC3339))
	}
	if st.NextPollAt != nil {
		fmt.Fprintf(tw, "Next poll:\t%s\n", st.NextPollAt.Format(time.RFC3339))
	}
	if st.LastError != nil {
		fmt.Fprintf(tw, "Last error:\t[%s] %s\n", st.LastError.Class, st.LastError.Message)
	}
	if r := st.Result; r != nil {
		if r.DocumentNumber != "" {
			fmt.Fprintf(tw, "NFS-e number:\t%s\n", r.DocumentNumber)
			fmt.Fprintf(tw, "Verification code:\t%s\n", r.VerificationCode)
		}
		if r.IssuedAt != nil {
			fmt.Fprintf(tw, "Issued at:\t%s\n", r.IssuedAt.Format(time.RFC3339))
		}
		if r.Reason != "" {
			fmt.Fprintf(tw, "Reason:\t%s\n", r.Reason)
		}
	}
	fmt.Fprintf(tw, "Created:\t%s\n", st.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated:\t%s\n", st.UpdatedAt.Format(time.RFC3339))
	if err := tw.Flush(); err != nil {
		return err
	}

	if showHistory && len(st.History) > 0 {
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tFROM\tTO\tREASON")
		for _, h := range st.History {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.At.Format(time.RFC3339), orDefault(string(h.From), "-"), h.To, h.Reason)
		}
		return tw.Flush()
	}
	return nil
}
