package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-submitter/internal/server"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `Issue an HS256 bearer token for the /api/v1 endpoints, signed with
server.jwt_secret (env: NFSE_JWT_SECRET).

Examples:
  nfse-submitter token --subject billing-frontend --ttl 720h
  export NFSE_TOKEN=$(nfse-submitter token -c nfse.yaml)`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("no JWT secret configured: set server.jwt_secret or NFSE_JWT_SECRET")
	}

	token, err := server.IssueToken(cfg.Server.JWTSecret, tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
