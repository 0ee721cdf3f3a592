// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatewarden"

var (
	GatewaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "sessions",
		Help:      "Authenticated gateway sessions currently registered.",
	})

	GatewayAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "auth_failures_total",
		Help:      "Gateway handshakes rejected.",
	})

	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "heartbeat_timeouts_total",
		Help:      "Sessions torn down because no PONG arrived in time.",
	})

	CommandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "transitions_total",
		Help:      "Command status transitions by target status.",
	}, []string{"status"})

	CommandAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "attempts_total",
		Help:      "Command delivery attempts by result.",
	}, []string{"result"})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Tunnelled requests by direction and outcome.",
	}, []string{"direction", "outcome"})

	RoutePassesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "routepass",
		Name:      "issued_total",
		Help:      "Route passes issued.",
	})

	OutboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "outbox_dropped_total",
		Help:      "Notifications dropped because the outbox was full.",
	})
)
