// Package abrasf implements the ABRASF 2.04 national NFS-e layout used by
// most municipalities outside São Paulo.
package abrasf

import (
	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
)

const (
	// Namespace of the ABRASF schema
	Namespace = "http://www.abrasf.org.br/nfse.xsd"
	// ServiceNamespace of the national WSDL
	ServiceNamespace = "http://nfse.abrasf.org.br"
	// Version of the layout
	Version = "2.04"

	defaultSeries = "A"
	rpsType       = "1"
)

var (
	opGerarNfse       = operation("GerarNfse")
	opRecepcionarLote = operation("RecepcionarLoteRps")
	opConsultarLote   = operation("ConsultarLoteRps")
	opConsultarPorRps = operation("ConsultarNfsePorRps")
)

func operation(name string) municipality.Operation {
	return municipality.Operation{Name: name, Action: ServiceNamespace + "/" + name}
}

var defaultCatalog = municipality.NewCatalog(
	[]string{"E4", "E10", "E160"},
	[]string{"E999", "L999"},
	[]string{"indisponível", "indisponivel", "tente novamente"},
)

// Config identifies the municipality an ABRASF adapter serves
type Config struct {
	Code model.MunicipalityCode
	Name string
	// Async submits with RecepcionarLoteRps instead of GerarNfse
	Async bool
	// NativeIdempotency declares that the provider rejects a repeated RPS
	// instead of issuing it twice
	NativeIdempotency bool
}

// Adapter talks to an ABRASF 2.04 webservice
type Adapter struct {
	cfg           Config
	transport     *municipality.Transport
	certs         *certstore.Store
	catalog       municipality.Catalog
	notFoundCodes map[string]bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithErrorCodes overrides the class of specific error codes
func WithErrorCodes(permanent, transient []string) Option {
	return func(a *Adapter) {
		a.catalog = a.catalog.Merge(permanent, transient)
	}
}

// WithNotFoundCodes lists the codes ConsultarNfsePorRps answers for an unknown RPS
func WithNotFoundCodes(codes ...string) Option {
	return func(a *Adapter) {
		for _, c := range codes {
			a.notFoundCodes[c] = true
		}
	}
}

// New creates an ABRASF adapter
func New(cfg Config, transport *municipality.Transport, certs *certstore.Store, opts ...Option) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "ABRASF " + Version
	}
	a := &Adapter{
		cfg:           cfg,
		transport:     transport,
		certs:         certs,
		catalog:       defaultCatalog,
		notFoundCodes: map[string]bool{"E92": true},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capability implements municipality.Adapter
func (a *Adapter) Capability() municipality.Capability {
	return municipality.Capability{
		Code:              a.cfg.Code,
		Name:              a.cfg.Name,
		Protocol:          "abrasf",
		Version:           Version,
		NativeIdempotency: a.cfg.NativeIdempotency,
		Async:             a.cfg.Async,
	}
}

// ClassifyError implements municipality.Adapter
func (a *Adapter) ClassifyError(err *model.ProtocolError) model.ErrorClass {
	return a.catalog.Classify(err)
}

var _ municipality.Adapter = (*Adapter)(nil)
