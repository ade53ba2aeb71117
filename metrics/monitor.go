package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "daemonlink"

// Outcome labels shared by several collectors.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
)

// Monitor tracks connection establishment and link health.
type Monitor struct {
	strategyAttempts *prometheus.CounterVec
	signalingLatency *prometheus.HistogramVec
	relayRetries     prometheus.Counter
	linkEvents       *prometheus.CounterVec
	recoveryFailures prometheus.Counter
	connected        prometheus.Gauge
}

// NewMonitor creates a monitor and registers its collectors with reg.
// A nil reg registers nothing, which is convenient for tests that only
// read values back through the collectors.
func NewMonitor(reg prometheus.Registerer) (*Monitor, error) {
	m := &Monitor{
		strategyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_attempts_total",
			Help:      "Connection strategy attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		signalingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signaling_duration_seconds",
			Help:      "Duration of signaling exchanges by operation, winning path and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation", "path", "outcome"}),
		relayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_retries_total",
			Help:      "Relay operations retried after a transient transport error.",
		}),
		linkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_events_total",
			Help:      "Link-state events observed on established transports.",
		}, []string{"event"}),
		recoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_failures_total",
			Help:      "Established transports declared lost after the recovery grace period.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while an authenticated transport to the daemon is up.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.strategyAttempts, m.signalingLatency, m.relayRetries,
		m.linkEvents, m.recoveryFailures, m.connected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

// RecordStrategyAttempt counts one strategy connect attempt.
func (m *Monitor) RecordStrategyAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.strategyAttempts.WithLabelValues(strategy, outcome).Inc()
}

// ObserveSignaling records the duration of a signaling exchange.
func (m *Monitor) ObserveSignaling(operation, path string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
	}
	m.signalingLatency.WithLabelValues(operation, path, outcome).Observe(elapsed.Seconds())
}

// RecordRelayRetry counts one retried relay operation.
func (m *Monitor) RecordRelayRetry() {
	if m == nil {
		return
	}
	m.relayRetries.Inc()
}

// RecordLinkEvent counts a link-state transition.
func (m *Monitor) RecordLinkEvent(event string) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(event).Inc()
}

// RecordRecoveryFailure counts a transport lost after the grace period.
func (m *Monitor) RecordRecoveryFailure() {
	if m == nil {
		return
	}
	m.recoveryFailures.Inc()
}

// SetConnected updates the connected gauge.
func (m *Monitor) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
