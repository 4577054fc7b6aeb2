package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the connection manager collectors. A nil Registerer yields unregistered collectors.
type Metrics struct {
	Dials       *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	Emits       *prometheus.CounterVec
	Acks        *prometheus.CounterVec
	Inbound     *prometheus.CounterVec
	Connected   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "realtime", Name: "dials_total",
			Help: "Transport dial attempts by result.",
		}, []string{"result"}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "realtime", Name: "disconnects_total",
			Help: "Transport losses by reason.",
		}, []string{"reason"}),
		Emits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "realtime", Name: "emits_total",
			Help: "Outbound emits by event and result.",
		}, []string{"event", "result"}),
		Acks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "realtime", Name: "acks_total",
			Help: "Emit acknowledgments by result.",
		}, []string{"result"}),
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "realtime", Name: "inbound_total",
			Help: "Inbound envelopes by type.",
		}, []string{"type"}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "unigate", Subsystem: "realtime", Name: "connected",
			Help: "1 while a transport session is up.",
		}),
	}
}
