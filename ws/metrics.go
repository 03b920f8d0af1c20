package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "messenger",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Currently registered websocket connections.",
	})

	messagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "ws",
		Name:      "messages_delivered_total",
		Help:      "Messages pushed to an online recipient.",
	})

	messagesOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "ws",
		Name:      "messages_offline_total",
		Help:      "Messages persisted while the recipient was offline.",
	})

	policyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "ws",
		Name:      "policy_denials_total",
		Help:      "Sends rejected at policy check.",
	}, []string{"reason"})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "ws",
		Name:      "persist_failures_total",
		Help:      "Message writes that failed at the store.",
	})
)
