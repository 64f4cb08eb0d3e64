package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/danfse"
	"github.com/rezonia/nfse-submitter/internal/engine"
)

// Config holds server configuration
type Config struct {
	Address string
	// JWTSecret enables HS256 bearer authentication on /api/v1 when set
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Server represents the HTTP API server
type Server struct {
	config   *Config
	router   *gin.Engine
	engine   *engine.Engine
	certs    *certstore.Store
	renderer *danfse.Renderer
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	clock    clockwork.Clock
}

// Option configures a Server
type Option func(*Server)

// WithGatherer sets the registry exposed on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithClock sets the clock reported by /health
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// NewServer creates a new API server
func NewServer(config *Config, eng *engine.Engine, certs *certstore.Store, opts ...Option) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if config.Debug {
		router.Use(gin.Logger())
	}

	s := &Server{
		config:   config,
		router:   router,
		engine:   eng,
		certs:    certs,
		renderer: danfse.NewRenderer(),
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// API v1
	v1 := s.router.Group("/api/v1")
	if s.config.JWTSecret != "" {
		v1.Use(s.requireAuth())
	}
	{
		// Invoices
		v1.POST("/invoices", s.handleSubmit)
		v1.GET("/invoices/:id", s.handleStatus)
		v1.POST("/invoices/:id/cancel", s.handleCancel)
		v1.POST("/invoices/:id/abandon", s.handleAbandon)
		v1.GET("/invoices/:id/danfse", s.handleDANFSE)

		// Certificates
		v1.POST("/certificates", s.handleLoadCertificate)
		v1.GET("/certificates", s.handleListCertificates)
		v1.DELETE("/certificates/:id", s.handleRevokeCertificate)

		v1.GET("/municipalities", s.handleMunicipalities)
	}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	return s.HTTPServer().ListenAndServe()
}

// HTTPServer returns an http.Server bound to the configured address, for
// callers that manage shutdown themselves
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMunicipalities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"municipalities": s.engine.Registry().Capabilities()})
}
