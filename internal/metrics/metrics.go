package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for submission, polling and outbound calls.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	OutboundCallDuration *prometheus.HistogramVec
	Transitions          *prometheus.CounterVec
	SubmitAttempts       *prometheus.CounterVec
	PollFailures         *prometheus.CounterVec
	ManualReview         *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OutboundCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nfse_outbound_call_duration_seconds",
			Help:    "Latency of municipality webservice calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"municipality", "operation", "result"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfse_state_transitions_total",
			Help: "Submission record state transitions",
		}, []string{"from", "to"}),
		SubmitAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfse_submit_attempts_total",
			Help: "Submit calls issued per municipality",
		}, []string{"municipality"}),
		PollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfse_poll_failures_total",
			Help: "Failed status queries per municipality",
		}, []string{"municipality"}),
		ManualReview: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfse_manual_review_total",
			Help: "Records flagged for operator review",
		}, []string{"municipality"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfse_queue_depth",
			Help: "Tasks waiting per municipality queue",
		}, []string{"municipality", "queue"}),
	}
}

func (m *Metrics) ObserveCall(municipality, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.OutboundCallDuration.WithLabelValues(municipality, operation, result).Observe(d.Seconds())
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncrementSubmitAttempts(municipality string) {
	if m == nil {
		return
	}
	m.SubmitAttempts.WithLabelValues(municipality).Inc()
}

func (m *Metrics) IncrementPollFailures(municipality string) {
	if m == nil {
		return
	}
	m.PollFailures.WithLabelValues(municipality).Inc()
}

func (m *Metrics) IncrementManualReview(municipality string) {
	if m == nil {
		return
	}
	m.ManualReview.WithLabelValues(municipality).Inc()
}

func (m *Metrics) SetQueueDepth(municipality, queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(municipality, queue).Set(float64(n))
}
