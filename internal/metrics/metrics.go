// Package metrics provides Prometheus metrics for the appliance.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "toothpaste"

// Metrics contains all Prometheus metrics for the device core.
type Metrics struct {
	// Link / pipeline metrics
	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ResponsesSent    *prometheus.CounterVec

	// Crypto metrics
	DecryptFailures  prometheus.Counter
	PairingsTotal    *prometheus.CounterVec
	AuthAttempts     *prometheus.CounterVec

	// HID metrics
	ReportsSent      *prometheus.CounterVec
	CharactersTyped  prometheus.Counter
	HIDNotReady      *prometheus.CounterVec

	// State metrics
	StateTransitions *prometheus.CounterVec
	CurrentState     prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry. Tests use a fresh registry per instance.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Inbound attribute writes by packet kind",
		}, []string{"kind"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by reason",
		}, []string{"reason"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Current depth of the command queue",
		}),
		ResponsesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Response notifications by type",
		}, []string{"type"}),

		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "AEAD opens that failed authentication",
		}),
		PairingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Pairing attempts by outcome",
		}, []string{"outcome"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Known-peer authentications by outcome",
		}, []string{"outcome"}),

		ReportsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hid_reports_sent_total",
			Help:      "HID reports sent by interface",
		}, []string{"interface"}),
		CharactersTyped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "characters_typed_total",
			Help:      "Characters emitted by the keyboard worker",
		}),
		HIDNotReady: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hid_not_ready_total",
			Help:      "Reports dropped because an interface stayed busy",
		}, []string{"interface"}),

		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Device state transitions by target state",
		}, []string{"state"}),
		CurrentState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_state",
			Help:      "Current device state as an enum value",
		}),
	}
}
