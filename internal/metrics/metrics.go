// Package metrics provides Prometheus instrumentation for TermRelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termrelay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "termrelay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Router metrics.
var (
	ConnectedMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termrelay_connected_machines",
		Help: "Number of machine agents currently connected to the router.",
	})

	WebhookUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termrelay_webhook_updates_total",
		Help: "Chat-platform webhook updates by outcome.",
	}, []string{"outcome"})

	CommandsQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termrelay_commands_queued_total",
		Help: "Commands accepted into a machine queue.",
	})

	CommandsAckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termrelay_commands_acked_total",
		Help: "Commands durably acknowledged by an agent.",
	})

	CommandsDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termrelay_commands_dead_lettered_total",
		Help: "Commands dropped after exceeding their maximum queue lifetime.",
	})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termrelay_notifications_sent_total",
		Help: "Notifications posted to the chat platform by outcome.",
	}, []string{"outcome"})
)

// Agent metrics.
var (
	InboxCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termrelay_inbox_commands_total",
		Help: "Commands received by the agent inbox by outcome (new, duplicate).",
	}, []string{"outcome"})

	InjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termrelay_injections_total",
		Help: "Injector invocations by transport and outcome.",
	}, []string{"transport", "outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termrelay_active_sessions",
		Help: "Number of sessions currently registered on this machine.",
	})
)
