// Package metrics provides Prometheus instrumentation for the roulette
// services: queue and pair gauges, match and relay counters, and wait-time
// histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of gateway WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roulette_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the number of users waiting for a partner.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roulette_queue_size",
		Help: "Current number of users in the waiting queue",
	})

	// ActivePairs tracks the number of live pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roulette_active_pairs",
		Help: "Current number of paired conversations",
	})

	// MatchRequests counts match requests by requester tier and outcome
	// ("matched", "searching", "already_paired", "error").
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_match_requests_total",
		Help: "Total number of match requests",
	}, []string{"tier", "outcome"})

	// MatchWait records how long the matched queue entry waited.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roulette_match_wait_seconds",
		Help:    "Time a waiting user spent in the queue before being paired",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// SessionsEnded counts dissolved pairs by reason ("end", "swap", "disconnect").
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_sessions_ended_total",
		Help: "Total number of dissolved pairs",
	}, []string{"reason"})

	// Evictions counts queue entries removed by the idle-eviction policy.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roulette_evictions_total",
		Help: "Total number of waiting users evicted after the maximum wait",
	})

	// MessagesTotal counts relay attempts by content kind and status
	// ("delivered", "no_active_peer", "unsupported_content_type", "error").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_messages_total",
		Help: "Total number of relay attempts",
	}, []string{"kind", "status"})

	// NotificationsFailed counts events the notifier could not publish.
	NotificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roulette_notifications_failed_total",
		Help: "Total number of events that failed to publish",
	})

	// ConnectionsDropped counts connections closed by the gateway rather than
	// the client ("heartbeat", "ping_failed", "oversized").
	ConnectionsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_connections_dropped_total",
		Help: "Total number of connections closed by the gateway",
	}, []string{"reason"})

	// RateLimited counts requests rejected by the gateway limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		ActivePairs,
		MatchRequests,
		MatchWait,
		SessionsEnded,
		Evictions,
		MessagesTotal,
		NotificationsFailed,
		RateLimited,
		ConnectionsDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
