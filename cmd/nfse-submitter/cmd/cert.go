package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/certstore"
)

var (
	certPassword string
	certTaxID    string
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect and manage signing certificates",
}

var certInfoCmd = &cobra.Command{
	Use:   "info [files...]",
	Short: "Show information about certificate files",
	Long: `Load ICP-Brasil certificate files locally and show their subject,
issuer, CNPJ and validity. Nothing is sent to the server.

Accepts .pfx/.p12 (with --password) and .pem/.crt files holding both the
certificate and its private key.

Examples:
  nfse-submitter cert info certificado.pfx --password secret
  nfse-submitter cert info certs/ --password secret -f json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCertInfo,
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates loaded in a running server",
	RunE:  runCertList,
}

var certLoadCmd = &cobra.Command{
	Use:   "load <file.pfx>",
	Short: "Load a PKCS#12 certificate into a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertLoad,
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certInfoCmd, certListCmd, certLoadCmd)

	certCmd.PersistentFlags().StringVarP(&certPassword, "password", "p", "", "Certificate passphrase (env: NFSE_CERT_PASSWORD)")
	certInfoCmd.Flags().StringVar(&certTaxID, "tax-id", "", "Issuer CNPJ when the certificate does not carry one")
}

func certPassphrase() string {
	return orDefault(certPassword, os.Getenv("NFSE_CERT_PASSWORD"))
}

func runCertInfo(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, ".pfx", ".p12", ".pem", ".crt")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no certificate files found")
	}

	store := certstore.New()
	defer store.Close()

	var opts []certstore.LoadOption
	if certTaxID != "" {
		opts = append(opts, certstore.WithIssuerTaxID(certTaxID))
	}

	infos := make([]certstore.Info, 0, len(files))
	failed := 0
	for _, file := range files {
		printVerbose("Loading: %s\n", file)
		h, err := store.LoadFile(file, certPassphrase(), opts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", file, err)
			failed++
			continue
		}
		info, err := store.Info(h)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	if err := printCertificates(infos); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d certificates could not be loaded", failed, len(files))
	}
	return nil
}

func runCertList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	infos, err := newClient().Certificates(ctx)
	if err != nil {
		return err
	}
	return printCertificates(infos)
}

func runCertLoad(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := newClient().LoadCertificate(ctx, data, certPassphrase())
	if err != nil {
		return err
	}
	return printCertificates([]certstore.Info{*info})
}

func printCertificates(infos []certstore.Info) error {
	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(infos)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCNPJ\tSUBJECT\tVALID UNTIL\tDAYS\tSTATUS")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			info.ID,
			orDefault(info.IssuerTaxID, "-"),
			info.Subject,
			info.ValidUntil.Format("2006-01-02"),
			info.DaysUntilExpiration,
			certStatus(info),
		)
	}
	return tw.Flush()
}

func certStatus(info certstore.Info) string {
	switch {
	case info.Revoked:
		return "revoked"
	case !info.Valid:
		return "invalid"
	case info.DaysUntilExpiration <= 30:
		return "expiring"
	default:
		return "valid"
	}
}
