package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/nfse-submitter/internal/server"
)

var (
	serverAddr      string
	serverDebug     bool
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, submission workers and reconciler",
	Long: `Start the NFS-e submitter.

Runs, until SIGINT or SIGTERM:
  - the HTTP API for the web front end
  - one worker pool per configured municipality
  - the status reconciler polling Pending submissions

Unfinished records are recovered from the store at startup.

The API provides endpoints for:
  - POST   /api/v1/invoices              - Submit an invoice
  - GET    /api/v1/invoices/:id          - Submission status
  - POST   /api/v1/invoices/:id/cancel   - Cancel a submission
  - POST   /api/v1/invoices/:id/abandon  - Fail a submission for manual review
  - GET    /api/v1/invoices/:id/danfse   - DANFSE PDF of an issued invoice
  - POST   /api/v1/certificates          - Load a PKCS#12 certificate
  - GET    /api/v1/certificates          - List certificates
  - DELETE /api/v1/certificates/:id      - Revoke a certificate
  - GET    /api/v1/municipalities        - Supported municipalities
  - GET    /health                       - Health check
  - GET    /metrics                      - Prometheus metrics

Examples:
  # Start with a configuration file
  nfse-submitter serve --config nfse.yaml

  # Start on a custom address in debug mode
  nfse-submitter serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (default from config, :8080)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 2*time.Minute, "HTTP write timeout")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for in-flight work on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	config := &server.Config{
		Address:      orDefault(serverAddr, cfg.Server.Addr),
		JWTSecret:    cfg.Server.JWTSecret,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		Debug:        serverDebug,
	}
	srv := server.NewServer(config, a.engine, a.certs,
		server.WithGatherer(a.registry),
		server.WithLogger(logger),
	)
	httpServer := srv.HTTPServer()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	g.Go(func() error {
		return a.reconciler.Run(ctx)
	})
	g.Go(func() error {
		n, err := a.engine.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		printVerbose("Recovered %d unfinished records\n", n)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server",
			"address", config.Address,
			"auth", config.JWTSecret != "",
			"municipalities", len(cfg.Municipalities),
			"store", cfg.Storage.Driver,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
