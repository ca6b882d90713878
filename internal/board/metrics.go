package board

import (
	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	frames     *prometheus.CounterVec
	bootstraps *prometheus.CounterVec
	resyncs    prometheus.Counter
	connected  prometheus.Gauge
}

// newMetrics returns nil when reg is nil; every method is safe on nil.
func newMetrics(reg prometheus.Registerer, key string) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"board": key}
	m := &metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "fleetboard",
			Subsystem:   "board",
			Name:        "frames_total",
			Help:        "Inbound fleet frames by reconcile outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "fleetboard",
			Subsystem:   "board",
			Name:        "bootstraps_total",
			Help:        "Snapshot bootstraps by result",
			ConstLabels: labels,
		}, []string{"result"}),

		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fleetboard",
			Subsystem:   "board",
			Name:        "resyncs_total",
			Help:        "Resyncs requested after the initial bootstrap",
			ConstLabels: labels,
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "fleetboard",
			Subsystem:   "board",
			Name:        "channel_connected",
			Help:        "Streaming channel state (1=connected, 0=otherwise)",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{m.frames, m.bootstraps, m.resyncs, m.connected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *metrics) bootstrap(result string) {
	if m == nil {
		return
	}
	m.bootstraps.WithLabelValues(result).Inc()
}

func (m *metrics) resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *metrics) connState(state channel.State) {
	if m == nil {
		return
	}
	if state == channel.StateConnected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
