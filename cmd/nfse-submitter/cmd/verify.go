package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/signature"
	"github.com/rezonia/nfse-submitter/internal/signature/xml"
)

var caFile string

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify XML signatures on signed NFS-e requests",
	Long: `Verify the XMLDSig signatures of signed municipal requests, as
written by sign or captured from a webservice exchange.

Verifies:
  - Every <Signature> against the element it references
  - That all signatures use the same certificate
  - Certificate chain (to the ICP-Brasil roots in --ca-file)
  - Signer information

Examples:
  # Verify a signed request
  nfse-submitter verify request.xml

  # Verify against the ICP-Brasil chain
  nfse-submitter verify --ca-file icp-brasil.pem request.xml

  # JSON output
  nfse-submitter verify -f json signed/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVar(&caFile, "ca-file", "", "Trusted CA certificates (PEM format)")
}

// VerifyResult holds the result of verifying a single file
type VerifyResult struct {
	File string `json:"file"`
	*signature.VerificationResult
}

func runVerify(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, ".xml")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to verify")
	}

	var opts []xml.VerifierOption
	if caFile != "" {
		ts := certstore.NewTrustStore(certstore.WithCAFile(caFile), certstore.WithSoftFail())
		if errs := ts.LoadErrors(); len(errs) > 0 {
			return fmt.Errorf("failed to create trust store: %w", errors.Join(errs...))
		}
		opts = append(opts, xml.WithTrustStore(ts))
	}
	verifier := xml.NewXMLVerifier(opts...)

	results := make([]VerifyResult, 0, len(files))
	allValid := true
	for _, file := range files {
		printVerbose("Verifying: %s\n", file)
		result := verifyFile(verifier, file)
		results = append(results, result)
		if !result.Valid {
			allValid = false
		}
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printVerifyResult(r)
		}
	}

	if !allValid {
		return fmt.Errorf("verification failed for some files")
	}
	return nil
}

func verifyFile(verifier signature.Verifier, filePath string) VerifyResult {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result := VerifyResult{File: filePath, VerificationResult: signature.NewVerificationResult()}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.AddError(fmt.Sprintf("failed to read file: %v", err))
		return result
	}
	if !verifier.CanVerify(data) {
		result.AddError(signature.ErrNoSignature().Error())
		return result
	}

	vr, err := verifier.Verify(ctx, data)
	if vr != nil {
		result.VerificationResult = vr
	}
	if err != nil && len(result.Errors) == 0 {
		result.AddError(fmt.Sprintf("verification error: %v", err))
	}
	return result
}

func printVerifyResult(r VerifyResult) {
	statusIcon, statusText := "✓", "VALID"
	if !r.Valid {
		statusIcon, statusText = "✗", "INVALID"
	}
	fmt.Printf("%s %s: %s\n", statusIcon, r.File, statusText)

	if r.Signer != nil {
		fmt.Printf("  Signer: %s\n", r.Signer.Name)
		if r.Signer.Organization != "" {
			fmt.Printf("  Org:    %s\n", r.Signer.Organization)
		}
		if r.Signer.Issuer != "" {
			fmt.Printf("  Issuer: %s\n", r.Signer.Issuer)
		}
		fmt.Printf("  Valid:  %s to %s\n", r.Signer.ValidFrom.Format("2006-01-02"), r.Signer.ValidTo.Format("2006-01-02"))
	}

	for _, c := range r.Signatures {
		mark := "✓"
		if !c.Valid {
			mark = "✗"
		}
		fmt.Printf("  Signature %s %s", orDefault(c.Reference, "(document)"), mark)
		if c.Element != "" {
			fmt.Printf(" <%s>", c.Element)
		}
		fmt.Println()
		if c.Error != "" {
			fmt.Printf("    %s\n", c.Error)
		}
	}
	if r.SignatureCount > 0 {
		chainStatus := "✓"
		if !r.CertChainValid {
			chainStatus = "✗"
		}
		fmt.Printf("  Cert Chain: %s\n", chainStatus)
	}

	for _, e := range r.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
}
