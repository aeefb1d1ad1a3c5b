// Package metrics provides Prometheus instrumentation for the Parley
// chat client. It exposes gauges for room occupancy, counters for
// message and lifecycle throughput, and liveness-protocol counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Occupants tracks the occupant count of the currently joined room.
	Occupants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_room_occupants",
		Help: "Occupant count of the currently joined room",
	})

	// MessagesTotal counts messages observed on the feed, labeled by
	// type: "text" or "event".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of messages observed on the change feed",
	}, []string{"type"})

	// ReapedPeers counts presence records deleted by the stale-peer reaper.
	ReapedPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_reaped_peers_total",
		Help: "Presence records deleted by the stale-peer reaper",
	})

	// HeartbeatFailures counts heartbeat writes that failed and were
	// left for the next tick to retry.
	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_heartbeat_failures_total",
		Help: "Heartbeat writes that failed and were retried later",
	})

	// FeedNotifications counts change-feed notifications, labeled by
	// collection kind: "presence", "typing", or "messages".
	FeedNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_feed_notifications_total",
		Help: "Change feed notifications received",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		Occupants,
		MessagesTotal,
		ReapedPeers,
		HeartbeatFailures,
		FeedNotifications,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on the given address. It blocks, so call it
// in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
