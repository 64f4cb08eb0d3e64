package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/signer"
)

var (
	signCertFile string
	signOutput   string
)

var signCmd = &cobra.Command{
	Use:   "sign <invoice.json>",
	Short: "Sign an invoice locally and write the municipal request",
	Long: `Validate and sign an invoice without submitting it, writing the
exact request body the municipality would receive. Pair it with verify to
check certificates and XML signatures before going live.

The certificate comes from --cert, or from the configuration when the
flag is not set.

Examples:
  nfse-submitter sign invoice.json --cert certificado.pfx --password secret
  nfse-submitter sign invoice.json -c nfse.yaml -o request.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().StringVar(&signCertFile, "cert", "", "Certificate file (.pfx, .p12 or .pem)")
	signCmd.Flags().StringVarP(&certPassword, "password", "p", "", "Certificate passphrase (env: NFSE_CERT_PASSWORD)")
	signCmd.Flags().StringVarP(&signOutput, "output", "o", "", "Output file (default stdout)")
}

func runSign(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	inv, err := readInvoiceFile(args[0])
	if err != nil {
		return err
	}

	var certs *certstore.Store
	if signCertFile != "" {
		certs = certstore.New(certstore.WithLogger(logger))
		if _, err := certs.LoadFile(signCertFile, certPassphrase()); err != nil {
			return err
		}
	} else if certs, err = cfg.OpenCertStore(ctx, logger); err != nil {
		return err
	}
	defer certs.Close()

	registry, err := cfg.Registry(certs, nil, logger)
	if err != nil {
		return err
	}

	h, err := certs.Resolve(inv.IssuerTaxID)
	if err != nil {
		return err
	}
	printVerbose("Signing with %s (%s)\n", h.ID(), h.Subject())

	req, err := signer.New(certs, registry, signer.WithLogger(logger)).Sign(ctx, &inv, h, "")
	if err != nil {
		return err
	}
	printVerbose("Operation: %s, digest: %s\n", req.Operation, req.Digest)

	if signOutput == "" {
		_, err = os.Stdout.Write(req.Body)
		return err
	}
	if err := os.WriteFile(signOutput, req.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", signOutput, err)
	}
	fmt.Printf("Signed %s for %s, wrote %s\n", req.Operation, req.Municipality, signOutput)
	return nil
}
