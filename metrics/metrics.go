package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatch collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Outcomes           *prometheus.CounterVec
	Latency            prometheus.Histogram
	SignatureRefreshes prometheus.Counter
	CredentialFailures *prometheus.CounterVec
	Sends              *prometheus.CounterVec
}

// New builds the collectors and registers them on reg (or the default
// registerer if nil). Collectors already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apns_dispatch_outcomes_total",
			Help: "Per-token dispatch outcomes by result and failure kind",
		}, []string{"result", "kind"}), // result: delivered|failed, kind: server|transport|""

		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apns_dispatch_duration_seconds",
			Help:    "Time from request start to APNs response per token",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		SignatureRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_signature_refreshes_total",
			Help: "Provider tokens signed",
		}),

		CredentialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apns_credential_failures_total",
			Help: "Credential preparation failures by connection mode",
		}, []string{"mode"}),

		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apns_send_operations_total",
			Help: "Send operations by result",
		}, []string{"result"}), // result: dispatched|rejected
	}

	var err error
	if m.Outcomes, err = register(reg, m.Outcomes); err != nil {
		return nil, err
	}
	if m.Latency, err = register(reg, m.Latency); err != nil {
		return nil, err
	}
	if m.SignatureRefreshes, err = register(reg, m.SignatureRefreshes); err != nil {
		return nil, err
	}
	if m.CredentialFailures, err = register(reg, m.CredentialFailures); err != nil {
		return nil, err
	}
	if m.Sends, err = register(reg, m.Sends); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}

// ObserveOutcome records one per-token result.
func (m *Metrics) ObserveOutcome(success bool, kind string, d time.Duration) {
	if m == nil {
		return
	}
	result := "delivered"
	if success {
		kind = ""
	} else {
		result = "failed"
	}
	m.Outcomes.WithLabelValues(result, kind).Inc()
	m.Latency.Observe(d.Seconds())
}

func (m *Metrics) SignatureRefreshed() {
	if m == nil {
		return
	}
	m.SignatureRefreshes.Inc()
}

func (m *Metrics) CredentialFailed(mode string) {
	if m == nil {
		return
	}
	m.CredentialFailures.WithLabelValues(mode).Inc()
}

// SendFinished counts a send operation, rejected when it failed before any
// request was issued.
func (m *Metrics) SendFinished(dispatched bool) {
	if m == nil {
		return
	}
	result := "dispatched"
	if !dispatched {
		result = "rejected"
	}
	m.Sends.WithLabelValues(result).Inc()
}
