package config

import (
	"fmt"
	"log/slog"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/municipality/abrasf"
	"github.com/rezonia/nfse-submitter/internal/municipality/saopaulo"
	"github.com/rezonia/nfse-submitter/internal/scheduler"
)

// Registry builds one adapter per configured municipality
func (c *Config) Registry(certs *certstore.Store, m *metrics.Metrics, logger *slog.Logger) (*municipality.Registry, error) {
	registry := municipality.NewRegistry()
	for _, raw := range c.Municipalities {
		mc := c.Resolve(raw)
		adapter, err := buildAdapter(mc, certs, m, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
		logger.Debug("municipality configured",
			"code", mc.Code,
			"adapter", mc.Adapter,
			"endpoint", mc.Endpoint,
			"environment", mc.Environment,
		)
	}
	return registry, nil
}

func buildAdapter(mc Municipality, certs *certstore.Store, m *metrics.Metrics, logger *slog.Logger) (municipality.Adapter, error) {
	code := model.MunicipalityCode(mc.Code)
	topts := []municipality.TransportOption{
		municipality.WithTimeout(mc.CallTimeout.Std()),
		municipality.WithMetrics(m),
		municipality.WithLogger(logger.With("municipality", mc.Code)),
	}
	if mc.SOAPVersion == "1.2" {
		topts = append(topts, municipality.WithSOAPVersion(municipality.SOAP12))
	}
	transport := municipality.NewTransport(mc.Endpoint, code, certs, topts...)

	switch mc.Adapter {
	case AdapterSaoPaulo:
		if code != saopaulo.Code {
			return nil, fmt.Errorf("municipality %s: the saopaulo adapter only serves %s", mc.Code, saopaulo.Code)
		}
		opts := []saopaulo.Option{saopaulo.WithErrorCodes(mc.ErrorCodes.Permanent, mc.ErrorCodes.Transient)}
		if mc.Environment == "homologation" {
			opts = append(opts, saopaulo.WithTestMode())
		}
		return saopaulo.New(transport, certs, opts...), nil
	case AdapterABRASF:
		opts := []abrasf.Option{abrasf.WithErrorCodes(mc.ErrorCodes.Permanent, mc.ErrorCodes.Transient)}
		if len(mc.NotFoundCodes) > 0 {
			opts = append(opts, abrasf.WithNotFoundCodes(mc.NotFoundCodes...))
		}
		return abrasf.New(abrasf.Config{
			Code:              code,
			Name:              mc.Name,
			Async:             mc.Async,
			NativeIdempotency: mc.NativeIdempotency,
		}, transport, certs, opts...), nil
	default:
		return nil, fmt.Errorf("municipality %s: unknown adapter %q", mc.Code, mc.Adapter)
	}
}

// EngineOptions returns the per-municipality policies as engine options
func (c *Config) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithDefaultPolicy(c.DefaultPolicy()),
		engine.WithUnknownErrorCap(c.UnknownErrorCap),
	}
	for _, raw := range c.Municipalities {
		mc := c.Resolve(raw)
		opts = append(opts, engine.WithPolicy(model.MunicipalityCode(mc.Code), mc.Policy()))
	}
	return opts
}

// ConfigureQueues sizes the scheduler queue of every municipality
func (c *Config) ConfigureQueues(s *scheduler.Scheduler) {
	for _, raw := range c.Municipalities {
		mc := c.Resolve(raw)
		s.Configure(model.MunicipalityCode(mc.Code), mc.Queue())
	}
}
