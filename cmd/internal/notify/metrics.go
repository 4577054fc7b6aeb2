package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Deliveries *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Deliveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "notify", Name: "deliveries_total",
			Help: "Notification decisions by kind and result.",
		}, []string{"kind", "result"}),
	}
}
