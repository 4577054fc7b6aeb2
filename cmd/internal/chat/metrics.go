package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every room of a process. A nil Registerer yields unregistered collectors.
type Metrics struct {
	Sends    *prometheus.CounterVec
	Acks     *prometheus.CounterVec
	Merges   prometheus.Counter
	Incoming *prometheus.CounterVec
	Polls    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "chat", Name: "optimistic_sends_total",
			Help: "Optimistic sends by emit result.",
		}, []string{"result"}),
		Acks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "chat", Name: "acks_total",
			Help: "Send acknowledgments by outcome.",
		}, []string{"outcome"}),
		Merges: f.NewCounter(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "chat", Name: "history_merges_total",
			Help: "Server history merges applied.",
		}),
		Incoming: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "chat", Name: "incoming_total",
			Help: "Realtime messages by outcome.",
		}, []string{"outcome"}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "chat", Name: "polls_total",
			Help: "History polls by result.",
		}, []string{"result"}),
	}
}
