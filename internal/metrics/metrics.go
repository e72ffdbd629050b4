// Package metrics defines and registers the agent's Prometheus metrics and
// exposes them over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_cache_entries",
			Help: "Current number of entries held in a cache",
		},
		[]string{"cache"},
	)

	CachePruneTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_cache_prune_total",
			Help: "Total cache maintenance prune attempts by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	SyncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_sync_passes_total",
			Help: "Total sync passes by outcome",
		},
		[]string{"outcome"},
	)

	SyncCooldownActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_sync_cooldown_active",
			Help: "Whether the syncer is currently withholding passes in cooldown (1=yes, 0=no)",
		},
	)

	SyncErrStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_sync_error_streak",
			Help: "Consecutive failed sync passes since the last success",
		},
	)

	SyncSecondsSinceSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_sync_seconds_since_last_success",
			Help: "Seconds elapsed since the last successful sync pass",
		},
	)

	MQTTConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_mqtt_connected",
			Help: "Whether the MQTT worker currently holds a broker connection (1=connected, 0=not)",
		},
	)

	TokenSecondsUntilExpiry = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_token_seconds_until_expiry",
			Help: "Seconds remaining until the cached bearer token expires (negative if already expired)",
		},
	)

	SocketAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_socket_api_requests_total",
			Help: "Total get_deployed requests served over the local socket, by outcome",
		},
		[]string{"outcome"},
	)

	SocketAPIRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_socket_api_request_duration_seconds",
			Help:    "get_deployed request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheEntries,
		CachePruneTotal,
		SyncPassesTotal,
		SyncCooldownActive,
		SyncErrStreak,
		SyncSecondsSinceSuccess,
		MQTTConnected,
		TokenSecondsUntilExpiry,
		SocketAPIRequestsTotal,
		SocketAPIRequestDuration,
	)
}

// Handler returns the HTTP handler serving Prometheus's text exposition
// format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
