package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_logins_total",
		Help: "LOGIN attempts by result",
	}, []string{"result"})

	metricRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_registrations_total",
		Help: "REGISTER attempts by result",
	}, []string{"result"})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_evictions_total",
		Help: "Sessions terminated by a newer login for the same user",
	})

	metricMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Chat lines accepted for broadcast",
	})

	metricBroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_failures_total",
		Help: "Broadcast deliveries that failed and were skipped",
	})
)
