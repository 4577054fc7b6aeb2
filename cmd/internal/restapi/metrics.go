package restapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unigate", Subsystem: "rest", Name: "requests_total",
			Help: "REST calls by operation and result.",
		}, []string{"op", "result"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unigate", Subsystem: "rest", Name: "request_seconds",
			Help:    "REST call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}
