package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/config"
	"github.com/rezonia/nfse-submitter/pkg/nfse"
)

var (
	version = "1.0.0"

	// Global flags
	verbose      bool
	outputFormat string
	configPath   string
	serverURL    string
	apiToken     string
)

var rootCmd = &cobra.Command{
	Use:   "nfse-submitter",
	Short: "Sign, submit and reconcile Brazilian NFS-e",
	Long: `NFS-e Submitter signs service invoices with the issuer's ICP-Brasil
certificate, submits them to municipal webservices and tracks each one
until the municipality issues or rejects it.

Supports:
  - ABRASF 2.04 municipalities (sync GerarNfse or async lots)
  - São Paulo Nota Fiscal Paulistana (async lots)
  - DANFSE PDF for issued invoices

Examples:
  # Run the API, workers and reconciler
  nfse-submitter serve --config nfse.yaml

  # Submit an invoice to a running server
  nfse-submitter submit invoice.json

  # Check a submission
  nfse-submitter status <id>

  # Inspect a certificate
  nfse-submitter cert info certificado.pfx --password secret`,
	Version: version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (env: NFSE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API base URL for client commands (env: NFSE_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token (env: NFSE_TOKEN)")

	// Load from .env and environment variables if not set via flags
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if configPath == "" {
		configPath = os.Getenv("NFSE_CONFIG")
	}
	if serverURL == "" {
		serverURL = os.Getenv("NFSE_SERVER_URL")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if apiToken == "" {
		apiToken = os.Getenv("NFSE_TOKEN")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	printVerbose("Configuration: %s (%d municipalities)\n", orDefault(configPath, "defaults"), len(cfg.Municipalities))
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(orDefault(cfg.Level, "info"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newClient() *nfse.Client {
	printVerbose("Server: %s\n", serverURL)
	var opts []nfse.ClientOption
	if apiToken != "" {
		opts = append(opts, nfse.WithToken(apiToken))
	}
	return nfse.NewClient(serverURL, opts...)
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
