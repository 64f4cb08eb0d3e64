// Package saopaulo implements the Nota Fiscal Paulistana webservice
// (São Paulo, IBGE 3550308): EnvioLoteRPS, ConsultaLote and ConsultaNFe.
package saopaulo

import (
	"strconv"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
)

const (
	// Code is the IBGE code of São Paulo
	Code model.MunicipalityCode = "3550308"
	// Namespace of the NFe schema
	Namespace = "http://www.prefeitura.sp.gov.br/nfe"

	defaultSeries = "A"
	schemaVersion = "1"
)

var (
	opEnvioLote = municipality.Operation{Name: "EnvioLoteRPS", Action: Namespace + "/ws/envioLoteRPS"}
	opTesteLote = municipality.Operation{Name: "TesteEnvioLoteRPS", Action: Namespace + "/ws/testeenvio"}
	opConsLote  = municipality.Operation{Name: "ConsultaLote", Action: Namespace + "/ws/consultaLote"}
	opConsNFe   = municipality.Operation{Name: "ConsultaNFe", Action: Namespace + "/ws/consultaNFe"}
)

// defaultCatalog holds codes outside the 1xxx/9xx ranges that need an explicit class
var defaultCatalog = municipality.NewCatalog(
	nil,
	nil,
	[]string{"indisponível", "tente novamente", "timeout"},
)

// Adapter talks to the São Paulo webservice
type Adapter struct {
	transport *municipality.Transport
	certs     *certstore.Store
	catalog   municipality.Catalog
	testMode  bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithTestMode sends lots to TesteEnvioLoteRPS, which validates without issuing
func WithTestMode() Option {
	return func(a *Adapter) {
		a.testMode = true
	}
}

// WithErrorCodes overrides the class of specific error codes
func WithErrorCodes(permanent, transient []string) Option {
	return func(a *Adapter) {
		a.catalog = a.catalog.Merge(permanent, transient)
	}
}

// New creates a São Paulo adapter. certs signs the RPS and the lot.
func New(transport *municipality.Transport, certs *certstore.Store, opts ...Option) *Adapter {
	a := &Adapter{
		transport: transport,
		certs:     certs,
		catalog:   defaultCatalog,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capability implements municipality.Adapter
func (a *Adapter) Capability() municipality.Capability {
	return municipality.Capability{
		Code:              Code,
		Name:              "São Paulo - Nota Fiscal Paulistana",
		Protocol:          "nfe-sp",
		Version:           schemaVersion,
		NativeIdempotency: false,
		Async:             true,
	}
}

// ClassifyError implements municipality.Adapter. Validation codes (1xxx)
// are permanent, infrastructure codes (9xx) transient.
func (a *Adapter) ClassifyError(err *model.ProtocolError) model.ErrorClass {
	if class := a.catalog.Classify(err); class != model.ClassUnknown {
		return class
	}
	if err == nil {
		return model.ClassUnknown
	}
	n, convErr := strconv.Atoi(err.Code)
	switch {
	case convErr != nil:
		return model.ClassUnknown
	case n >= 1000 && n < 2000:
		return model.ClassPermanent
	case n >= 900 && n < 1000:
		return model.ClassTransient
	}
	return model.ClassUnknown
}

var _ municipality.Adapter = (*Adapter)(nil)
