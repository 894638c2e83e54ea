package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Open client connections by transport.",
	}, []string{"transport"})

	metricConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Accepted client connections by transport.",
	}, []string{"transport"})
)

// track counts conn as open until the returned func runs.
func track(transport string) func() {
	metricConnectionsTotal.WithLabelValues(transport).Inc()
	active := metricConnectionsActive.WithLabelValues(transport)
	active.Inc()
	return active.Dec
}
