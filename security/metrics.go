package security

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "riotls"

	LabelRole     = "role"
	LabelOutcome  = "outcome"
	LabelDecision = "decision"

	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"

	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Metrics is the Prometheus instrumentation of handshakes. A nil *Metrics
// records nothing.
type Metrics struct {
	handshakes *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	decisions  *prometheus.CounterVec
	faults     prometheus.Counter
	inProgress prometheus.Gauge
}

// NewMetrics registers the handshake collectors on registerer. Reactors
// sharing a registerer share the collectors already registered there.
func NewMetrics(registerer prometheus.Registerer) (m *Metrics, err error) {
	m = &Metrics{}
	if m.handshakes, err = register(registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "handshakes_total",
			Help:      "Total number of TLS handshakes by role and outcome",
		},
		[]string{LabelRole, LabelOutcome},
	)); err != nil {
		return nil, err
	}
	if m.duration, err = register(registerer, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of TLS handshakes from start to completion or abort",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelRole, LabelOutcome},
	)); err != nil {
		return nil, err
	}
	if m.decisions, err = register(registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "verify_decisions_total",
			Help:      "Total number of peer certificate verification decisions",
		},
		[]string{LabelDecision},
	)); err != nil {
		return nil, err
	}
	if m.faults, err = register(registerer, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "verify_callback_faults_total",
			Help:      "Total number of faults raised by verify peer callbacks",
		},
	)); err != nil {
		return nil, err
	}
	if m.inProgress, err = register(registerer, prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "handshakes_in_progress",
			Help:      "Number of TLS handshakes currently in progress",
		},
	)); err != nil {
		return nil, err
	}
	return
}

// register adds c to registerer, returning the collector registered before
// when an identical one exists.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var exists prometheus.AlreadyRegisteredError
		if errors.As(err, &exists) {
			if existing, ok := exists.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inProgress.Inc()
}

func (m *Metrics) finished(role Role, state State, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeAborted
	if state == StateCompleted {
		outcome = OutcomeCompleted
	}
	m.inProgress.Dec()
	m.handshakes.WithLabelValues(role.String(), outcome).Inc()
	m.duration.WithLabelValues(role.String(), outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) decided(accept bool) {
	if m == nil {
		return
	}
	decision := DecisionReject
	if accept {
		decision = DecisionAccept
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) faulted() {
	if m == nil {
		return
	}
	m.faults.Inc()
}
