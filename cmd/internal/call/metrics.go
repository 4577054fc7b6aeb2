package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Inspected   *prometheus.CounterVec
	Invitations *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Active      prometheus.Gauge
}

// NewMetrics builds the call collectors. A nil Registerer yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Inspected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "call", Name: "inspected_total",
			Help: "Messages inspected for call links by verdict.",
		}, []string{"verdict"}),
		Invitations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "call", Name: "invitations_total",
			Help: "Invitations handed to the router by source and outcome.",
		}, []string{"source", "outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "call", Name: "transitions_total",
			Help: "Call phase transitions by target phase.",
		}, []string{"to"}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "unigate", Subsystem: "call", Name: "active",
			Help: "1 while a call is active.",
		}),
	}
}
