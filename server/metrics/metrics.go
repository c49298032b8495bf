// Package metrics defines the Prometheus collectors for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all bridge-level collectors.
type Metrics struct {
	CommandsTotal        *prometheus.CounterVec
	CommandDuration      prometheus.Histogram
	LinkErrors           prometheus.Counter
	LinkConnected        prometheus.Gauge
	ClientsConnected     prometheus.Gauge
	ClientsAuthenticated prometheus.Gauge
}

// New creates the collectors. Call Register before serving.
func New() *Metrics {
	return &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "robot",
				Subsystem: "commands",
				Name:      "total",
				Help:      "Actuator commands by command and outcome",
			},
			[]string{"cmd", "outcome"},
		),
		CommandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "robot",
				Subsystem: "link",
				Name:      "roundtrip_seconds",
				Help:      "Actuator command round-trip duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		LinkErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "robot",
				Subsystem: "link",
				Name:      "errors_total",
				Help:      "Transport failures on the actuator link",
			},
		),
		LinkConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "robot",
				Subsystem: "link",
				Name:      "connected",
				Help:      "Whether the actuator link is up (0 or 1)",
			},
		),
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "robot",
				Subsystem: "clients",
				Name:      "connected",
				Help:      "Currently connected clients",
			},
		),
		ClientsAuthenticated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "robot",
				Subsystem: "clients",
				Name:      "authenticated",
				Help:      "Currently authenticated clients",
			},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.CommandsTotal,
		m.CommandDuration,
		m.LinkErrors,
		m.LinkConnected,
		m.ClientsConnected,
		m.ClientsAuthenticated,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
