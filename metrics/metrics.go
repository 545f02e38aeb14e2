// Package metrics implements the Prometheus exporter (C11): connection
// state, pending-response depth, audio packet counters, and discovery
// inventory size, per SPEC_FULL.md §4.11.
//
// Grounded on the teacher's prometheus.go (promauto-built GaugeVec/
// CounterVec collectors created once at startup). Unlike the teacher,
// which registers against the global default registerer, this package
// uses a private prometheus.Registry so an embedding application decides
// whether and how to expose /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors for one radio session.
type Metrics struct {
	Registry *prometheus.Registry

	ControlConnected  *prometheus.GaugeVec
	SequencePending   prometheus.Gauge
	AudioPacketsTotal *prometheus.CounterVec
	DiscoveryRadios   prometheus.Gauge
	ReconnectsTotal   prometheus.Counter
}

// New creates a Metrics bound to a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ControlConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartsdr_control_connected",
			Help: "1 if the control session is connected, 0 otherwise.",
		}, []string{"kind"}),
		SequencePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smartsdr_sequence_pending",
			Help: "Current size of the pending-response correlation table.",
		}),
		AudioPacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartsdr_audio_packets_total",
			Help: "Count of VITA-49 audio packets processed.",
		}, []string{"direction"}),
		DiscoveryRadios: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smartsdr_discovery_radios",
			Help: "Current size of the discovery inventory.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartsdr_reconnects_total",
			Help: "Count of control session reconnect attempts.",
		}),
	}
}

// SetConnected records the control session's connectedness for the given
// session kind ("lan" or "wan").
func (m *Metrics) SetConnected(kind string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.ControlConnected.WithLabelValues(kind).Set(v)
}

// ObserveAudioPacket increments the per-direction audio packet counter.
func (m *Metrics) ObserveAudioPacket(direction string) {
	m.AudioPacketsTotal.WithLabelValues(direction).Inc()
}
