package municipality

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
)

//go:generate mockgen -destination=../mocks/adapter_mock.go -package=mocks github.com/rezonia/nfse-submitter/internal/municipality Adapter

// Capability describes what a municipality integration supports
type Capability struct {
	Code     model.MunicipalityCode `json:"code"`
	Name     string                 `json:"name"`
	Protocol string                 `json:"protocol"`
	Version  string                 `json:"version"`
	// NativeIdempotency is true when resubmitting the same RPS cannot
	// produce a second document on the municipality side
	NativeIdempotency bool `json:"native_idempotency"`
	// Async is true when Submit answers AcceptedPending and the document
	// must be fetched with QueryStatus
	Async bool `json:"async"`
}

// StatusQuery identifies a submission on the municipality side. Protocol
// queries need the issuer identity next to the tracking identifier.
type StatusQuery struct {
	TrackingID            string
	IssuerTaxID           string
	MunicipalRegistration string
}

// QueryFor builds the status query for a record
func QueryFor(rec *model.SubmissionRecord) StatusQuery {
	q := StatusQuery{
		IssuerTaxID:           model.DigitsOnly(rec.Invoice.IssuerTaxID),
		MunicipalRegistration: model.DigitsOnly(rec.Invoice.IssuerMunicipalRegistration),
		TrackingID:            rec.TrackingID,
	}
	if q.TrackingID == "" && rec.SignedRequest != nil {
		q.TrackingID = rec.SignedRequest.TrackingHint
	}
	return q
}

// Adapter is the contract every municipality integration implements
type Adapter interface {
	// Capability returns static information about the integration
	Capability() Capability

	// Encode builds and signs the protocol request for inv
	Encode(ctx context.Context, inv *model.Invoice, h *certstore.Handle) (*model.SignedRequest, error)

	// Submit sends a signed request. Transport failures are returned as
	// *model.TransportError and protocol faults as *model.ProtocolError.
	Submit(ctx context.Context, h *certstore.Handle, req *model.SignedRequest) (*model.Outcome, error)

	// QueryStatus asks the municipality for the current state of a submission
	QueryStatus(ctx context.Context, h *certstore.Handle, q StatusQuery) (*model.Outcome, error)

	// ClassifyError maps a protocol fault to an error class
	ClassifyError(err *model.ProtocolError) model.ErrorClass
}

// Registry holds the adapters configured for each municipality
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.MunicipalityCode]Adapter
}

// NewRegistry creates a registry with the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.MunicipalityCode]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its municipality code
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Capability().Code] = a
}

// Get returns the adapter for a municipality
func (r *Registry) Get(code model.MunicipalityCode) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[code]
	if !ok {
		return nil, fmt.Errorf("municipality %s: %w", code, model.ErrUnknownAdapter)
	}
	return a, nil
}

// Capabilities lists every registered integration ordered by code
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Capability())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
