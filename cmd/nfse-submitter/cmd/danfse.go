package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var danfseOutput string

var danfseCmd = &cobra.Command{
	Use:   "danfse <id>",
	Short: "Download the DANFSE PDF of an issued invoice",
	Long: `Download the DANFSE (Documento Auxiliar da NFS-e) of an issued
submission.

Examples:
  nfse-submitter danfse 5f0c2e8a-... -o nota.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runDANFSE,
}

func init() {
	rootCmd.AddCommand(danfseCmd)

	danfseCmd.Flags().StringVarP(&danfseOutput, "output", "o", "", "Output file (default danfse-<id>.pdf)")
}

func runDANFSE(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pdf, err := newClient().DANFSE(ctx, args[0])
	if err != nil {
		return err
	}

	out := orDefault(danfseOutput, fmt.Sprintf("danfse-%s.pdf", args[0]))
	if err := os.WriteFile(out, pdf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", out, len(pdf))
	return nil
}
