package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/signer"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate invoice files without submitting them",
	Long: `Validate one or more invoice JSON files offline.

Checks performed:
  - Required fields present (issuer, recipient name, service, dates)
  - CNPJ and CPF check digits
  - Amount greater than zero and ISS rate between 0 and 100%
  - Idempotency key present and at most 128 characters
  - Municipality configured in --config

Examples:
  nfse-submitter validate invoice.json
  nfse-submitter validate invoices/ -f json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// ValidationResult holds the result of validating a single file
type ValidationResult struct {
	File     string             `json:"file"`
	Valid    bool               `json:"valid"`
	Errors   []model.FieldError `json:"errors,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, ".json")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to validate")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	certs := certstore.New(certstore.WithLogger(logger))
	defer certs.Close()
	registry, err := cfg.Registry(certs, nil, logger)
	if err != nil {
		return err
	}
	v := signer.New(certs, registry, signer.WithLogger(logger))

	results := make([]*ValidationResult, 0, len(files))
	allValid := true
	for _, file := range files {
		result := validateFile(v, registry, file)
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
			if r.Valid {
				fmt.Printf("✓ %s: VALID\n", r.File)
			} else {
				fmt.Printf("✗ %s: INVALID\n", r.File)
				for _, e := range r.Errors {
					fmt.Printf("  - %s: %s\n", e.Field, e.Message)
				}
			}
			for _, w := range r.Warnings {
				fmt.Printf("  ⚠ %s\n", w)
			}
		}
	}

	if !allValid {
		return fmt.Errorf("validation failed for some files")
	}
	return nil
}

func validateFile(v *signer.Signer, registry *municipality.Registry, filePath string) *ValidationResult {
	result := &ValidationResult{File: filePath, Valid: true}

	inv, err := readInvoiceFile(filePath)
	if err != nil {
		result.Valid = false
		var encErr *model.EncodingError
		if errors.As(err, &encErr) {
			result.Errors = append(result.Errors, encErr.Fields...)
		} else {
			result.Errors = append(result.Errors, model.FieldError{Field: "file", Rule: "parse", Message: err.Error()})
		}
		return result
	}

	if err := v.Validate(&inv); err != nil {
		var encErr *model.EncodingError
		if !errors.As(err, &encErr) {
			result.Valid = false
			result.Errors = append(result.Errors, model.FieldError{Field: "invoice", Rule: "invalid", Message: err.Error()})
			return result
		}
		result.Valid = false
		result.Errors = append(result.Errors, encErr.Fields...)
	}

	if inv.MunicipalityCode != "" {
		if _, err := registry.Get(inv.MunicipalityCode); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, model.FieldError{
				Field: "municipality_code", Rule: "unsupported", Message: err.Error(),
			})
		}
	}

	if inv.Recipient.TaxID == "" {
		result.Warnings = append(result.Warnings, "recipient has no CPF/CNPJ; the NFS-e will name an unidentified recipient")
	}
	if inv.RPS.Number == 0 {
		result.Warnings = append(result.Warnings, "no RPS number; one is derived from the idempotency key")
	}
	return result
}
