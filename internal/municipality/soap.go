package municipality

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/model"
)

const (
	soap11Namespace = "http://schemas.xmlsoap.org/soap/envelope/"
	soap12Namespace = "http://www.w3.org/2003/05/soap-envelope"

	// DefaultCallTimeout bounds every outbound call when none is configured
	DefaultCallTimeout = 30 * time.Second

	maxResponseBytes = 10 << 20
	tracerName       = "github.com/rezonia/nfse-submitter/internal/municipality"
)

// SOAPVersion selects the envelope namespace and content type
type SOAPVersion int

const (
	SOAP11 SOAPVersion = iota
	SOAP12
)

// Operation is one webservice method
type Operation struct {
	Name   string
	Action string
}

// Transport posts SOAP envelopes to a municipality endpoint over mutual TLS.
// Every call has a hard deadline and is traced and timed.
type Transport struct {
	endpoint     string
	municipality model.MunicipalityCode
	certs        *certstore.Store
	timeout      time.Duration
	version      SOAPVersion
	rootCAs      *x509.CertPool
	httpClient   *http.Client
	tracer       trace.Tracer
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithTimeout sets the per-call deadline
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithSOAPVersion selects SOAP 1.1 or 1.2 envelopes
func WithSOAPVersion(v SOAPVersion) TransportOption {
	return func(t *Transport) {
		t.version = v
	}
}

// WithRootCAs sets the pool used to verify the municipality server
func WithRootCAs(pool *x509.CertPool) TransportOption {
	return func(t *Transport) {
		t.rootCAs = pool
	}
}

// WithHTTPClient replaces the per-certificate mTLS clients with c
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		t.httpClient = c
	}
}

// WithTracer sets the OpenTelemetry tracer
func WithTracer(tr trace.Tracer) TransportOption {
	return func(t *Transport) {
		t.tracer = tr
	}
}

// WithMetrics records call latency in m
func WithMetrics(m *metrics.Metrics) TransportOption {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = l
	}
}

// NewTransport creates a transport for one municipality endpoint. certs
// supplies the client identity for each call.
func NewTransport(endpoint string, municipality model.MunicipalityCode, certs *certstore.Store, opts ...TransportOption) *Transport {
	t := &Transport{
		endpoint:     endpoint,
		municipality: municipality,
		certs:        certs,
		timeout:      DefaultCallTimeout,
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
		clients:      make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Endpoint returns the webservice URL
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// Call wraps payload in a SOAP envelope, posts it with h as the TLS client
// identity and returns the first element of the response Body.
func (t *Transport) Call(ctx context.Context, h *certstore.Handle, op Operation, payload *etree.Element) (*etree.Element, error) {
	if t.certs != nil {
		if err := t.certs.Check(h); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ctx, span := t.tracer.Start(ctx, "nfse.soap "+op.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("nfse.municipality", string(t.municipality)),
			attribute.String("nfse.operation", op.Name),
			attribute.String("server.address", t.endpoint),
		))
	defer span.End()

	start := time.Now()
	resp, err := t.roundTrip(ctx, h, op, payload)
	result := resultLabel(err)
	t.metrics.ObserveCall(string(t.municipality), op.Name, result, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		t.logger.Warn("municipality call failed",
			"municipality", t.municipality,
			"operation", op.Name,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}
	t.logger.Debug("municipality call completed",
		"municipality", t.municipality,
		"operation", op.Name,
		"duration", time.Since(start),
	)
	return resp, nil
}

func (t *Transport) roundTrip(ctx context.Context, h *certstore.Handle, op Operation, payload *etree.Element) (*etree.Element, error) {
	envelope, err := t.envelope(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build SOAP envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, model.NewTransportError(t.endpoint, op.Name, 0, false, err)
	}
	switch t.version {
	case SOAP12:
		req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, op.Action))
	default:
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", fmt.Sprintf("%q", op.Action))
	}

	resp, err := t.client(h).Do(req)
	if err != nil {
		return nil, model.NewTransportError(t.endpoint, op.Name, 0, isTimeout(ctx, err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewTransportError(t.endpoint, op.Name, resp.StatusCode, isTimeout(ctx, err), err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, parseErr := parseEnvelope(raw)
	if parseErr == nil && body.Tag == "Fault" {
		return nil, parseFault(body)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.NewTransportError(t.endpoint, op.Name, resp.StatusCode, resp.StatusCode == http.StatusRequestTimeout, nil)
	case resp.StatusCode >= 400:
		return nil, model.NewProtocolError(fmt.Sprintf("http:%d", resp.StatusCode), http.StatusText(resp.StatusCode))
	case parseErr != nil:
		return nil, model.NewProtocolError("soap:MalformedResponse", parseErr.Error())
	}
	return body, nil
}

func (t *Transport) envelope(payload *etree.Element) ([]byte, error) {
	ns := soap11Namespace
	if t.version == SOAP12 {
		ns = soap12Namespace
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", ns)
	body := env.CreateElement("soap:Body")
	body.AddChild(payload.Copy())
	return doc.WriteToBytes()
}

func (t *Transport) client(h *certstore.Handle) *http.Client {
	if t.httpClient != nil {
		return t.httpClient
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[h.ID()]; ok {
		return c
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    t.rootCAs,
	}
	if t.certs != nil {
		tlsCfg.GetClientCertificate = t.certs.ClientCertificate(h)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	c := &http.Client{Transport: tr}
	t.clients[h.ID()] = c
	return c
}

// parseEnvelope returns the first child of the SOAP Body
func parseEnvelope(raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("invalid response XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, errors.New("response is not a SOAP envelope")
	}
	body := root.SelectElement("Body")
	if body == nil {
		return nil, errors.New("SOAP envelope has no Body")
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return nil, errors.New("SOAP Body is empty")
	}
	return children[0], nil
}

// parseFault reads SOAP 1.1 (faultcode/faultstring) and 1.2 (Code/Reason) faults
func parseFault(fault *etree.Element) *model.ProtocolError {
	code, msg := "", ""
	if el := fault.SelectElement("faultcode"); el != nil {
		code = el.Text()
	}
	if el := fault.SelectElement("faultstring"); el != nil {
		msg = el.Text()
	}
	if el := fault.FindElement("./Code/Value"); el != nil {
		code = el.Text()
	}
	if el := fault.FindElement("./Reason/Text"); el != nil {
		msg = el.Text()
	}
	if i := strings.LastIndex(code, ":"); i >= 0 {
		code = code[i+1:]
	}
	if code == "" {
		code = "Fault"
	}
	return model.NewProtocolError("soap:"+strings.TrimSpace(code), strings.TrimSpace(msg))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var tErr *model.TransportError
	if errors.As(err, &tErr) {
		if tErr.Timeout {
			return "timeout"
		}
		return "transport_error"
	}
	var pErr *model.ProtocolError
	if errors.As(err, &pErr) {
		return "fault"
	}
	return "error"
}

// MessageText returns the text of the named child of a response element,
// the escaped XML string most NFS-e webservices wrap their payload in
func MessageText(resp *etree.Element, names ...string) (string, bool) {
	for _, name := range names {
		if el := resp.FindElement(".//" + name); el != nil {
			return el.Text(), true
		}
	}
	return "", false
}

// ParseMessage parses an embedded XML message, returning its root
func ParseMessage(text string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(strings.TrimSpace(text)); err != nil {
		return nil, model.NewProtocolError("soap:MalformedResponse", err.Error())
	}
	if doc.Root() == nil {
		return nil, model.NewProtocolError("soap:MalformedResponse", "empty message")
	}
	return doc.Root(), nil
}
