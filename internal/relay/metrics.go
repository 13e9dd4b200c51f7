package relay

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthMetrics tracks operational counters for one relay connection,
// mirroring relay.rs's HealthMetrics, and mirrors them onto Prometheus
// gauges/counters the way internal/escrow/metrics.go does for the teacher's
// entitlement grants.
type HealthMetrics struct {
	mu sync.Mutex

	URL              string
	ConnectedAt      *time.Time
	MessagesSent     uint64
	MessagesReceived uint64
	FailedMessages   uint64
	LastError        string
	CircuitState     string
	BackoffAttempt   uint32

	sentCounter     prometheus.Counter
	receivedCounter prometheus.Counter
	failedCounter   prometheus.Counter
	connectedGauge  prometheus.Gauge
}

// NewHealthMetrics builds per-relay counters registered under a constant
// "relay_url" label so distinct relays don't collide in the registry.
func NewHealthMetrics(registry prometheus.Registerer, url string) *HealthMetrics {
	labels := prometheus.Labels{"relay_url": url}
	m := &HealthMetrics{
		URL: url,
		sentCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relay_messages_sent_total",
			Help:        "Frames written to this relay.",
			ConstLabels: labels,
		}),
		receivedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relay_messages_received_total",
			Help:        "Messages received from this relay.",
			ConstLabels: labels,
		}),
		failedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relay_messages_failed_total",
			Help:        "Messages that failed to send or parse for this relay.",
			ConstLabels: labels,
		}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relay_connected",
			Help:        "1 if this relay connection is currently Connected.",
			ConstLabels: labels,
		}),
	}
	if registry != nil {
		registry.MustRegister(m.sentCounter, m.receivedCounter, m.failedCounter, m.connectedGauge)
	}
	return m
}

func (m *HealthMetrics) RecordSent() {
	m.mu.Lock()
	m.MessagesSent++
	m.mu.Unlock()
	if m.sentCounter != nil {
		m.sentCounter.Inc()
	}
}

func (m *HealthMetrics) RecordReceived() {
	m.mu.Lock()
	m.MessagesReceived++
	m.mu.Unlock()
	if m.receivedCounter != nil {
		m.receivedCounter.Inc()
	}
}

func (m *HealthMetrics) RecordFailure(err string) {
	m.mu.Lock()
	m.FailedMessages++
	m.LastError = err
	m.mu.Unlock()
	if m.failedCounter != nil {
		m.failedCounter.Inc()
	}
}

func (m *HealthMetrics) SetConnected(connected bool) {
	now := time.Now()
	m.mu.Lock()
	if connected {
		m.ConnectedAt = &now
	} else {
		m.ConnectedAt = nil
	}
	m.mu.Unlock()
	if m.connectedGauge != nil {
		if connected {
			m.connectedGauge.Set(1)
		} else {
			m.connectedGauge.Set(0)
		}
	}
}

func (m *HealthMetrics) SetCircuitState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CircuitState = state
}

func (m *HealthMetrics) SetBackoffAttempt(attempt uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BackoffAttempt = attempt
}

// Snapshot returns a copy of the metrics safe to read without the lock.
func (m *HealthMetrics) Snapshot() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthMetrics{
		URL:              m.URL,
		ConnectedAt:      m.ConnectedAt,
		MessagesSent:     m.MessagesSent,
		MessagesReceived: m.MessagesReceived,
		FailedMessages:   m.FailedMessages,
		LastError:        m.LastError,
		CircuitState:     m.CircuitState,
		BackoffAttempt:   m.BackoffAttempt,
	}
}
