package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var municipalitiesCmd = &cobra.Command{
	Use:     "municipalities",
	Aliases: []string{"cities"},
	Short:   "List municipalities supported by a running server",
	RunE:    runMunicipalities,
}

func init() {
	rootCmd.AddCommand(municipalitiesCmd)
}

func runMunicipalities(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	caps, err := newClient().Municipalities(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(caps)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tPROTOCOL\tMODE\tIDEMPOTENT")
	for _, c := range caps {
		mode := "sync"
		if c.Async {
			mode = "async"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%t\n", c.Code, c.Name, c.Protocol, c.Version, mode, c.NativeIdempotency)
	}
	return tw.Flush()
}
