package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/server"
)

var submitTimeout time.Duration

var submitCmd = &cobra.Command{
	Use:   "submit [files...]",
	Short: "Submit invoices to a running server",
	Long: `Submit one or more invoices, each described by a JSON file, to the
server at --server. Submitting the same file twice is safe: the
idempotency key maps it to the same record.

Invoice file:
  {
    "issuer_tax_id": "12345678000195",
    "issuer_municipal_registration": "12345678",
    "recipient": {"tax_id": "98765432000198", "name": "CLIENTE EXEMPLO SA"},
    "service_code": "02919",
    "service_description": "Desenvolvimento de software",
    "amount": "1500.00",
    "tax_rate": "2",
    "issue_date": "2026-03-10",
    "idempotency_key": "order-1",
    "municipality_code": "3550308"
  }

Examples:
  nfse-submitter submit invoice.json
  nfse-submitter submit invoices/*.json -f json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 30*time.Second, "Timeout per submission")
}

// SubmitResult holds the outcome of submitting one file
type SubmitResult struct {
	File  string      `json:"file"`
	ID    string      `json:"id,omitempty"`
	State model.State `json:"state,omitempty"`
	Error string      `json:"error,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, ".json")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no invoice files found")
	}

	client := newClient()
	results := make([]SubmitResult, 0, len(files))
	failed := 0

	for _, file := range files {
		printVerbose("Submitting: %s\n", file)
		result := SubmitResult{File: file}

		inv, err := readInvoiceFile(file)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
			resp, serr := client.Submit(ctx, inv)
			cancel()
			if serr == nil {
				result.ID, result.State = resp.ID, resp.State
			}
			err = serr
		}
		if err != nil {
			result.Error = err.Error()
			failed++
		}
		results = append(results, result)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(results); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tID\tSTATE\tERROR")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.File, orDefault(r.ID, "-"), orDefault(string(r.State), "-"), r.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(files))
	}
	return nil
}

// readInvoiceFile decodes a SubmitRequest JSON file into an invoice
func readInvoiceFile(path string) (model.Invoice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Invoice{}, fmt.Errorf("failed to read file: %w", err)
	}
	var req server.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return model.Invoice{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return req.Invoice()
}
