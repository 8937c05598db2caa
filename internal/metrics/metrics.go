// Package metrics holds the Prometheus collectors shared by the Hub, PDS and Gateway.
//
// Every service gets its own registry, so tests can build a fresh Metrics per case
// and read counters back with prometheus/testutil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaynet"

// Metrics tracks what the services do.
type Metrics struct {
	registry *prometheus.Registry

	// Hub
	MessagesAccepted  prometheus.Counter
	MessagesRejected  *prometheus.CounterVec // label: reason
	MessagesDuplicate prometheus.Counter
	GossipSent        prometheus.Counter
	GossipReceived    prometheus.Counter
	PeersConnected    prometheus.Gauge

	// Sync / replication
	SyncRuns            *prometheus.CounterVec // labels: job, result
	SyncDuration        *prometheus.HistogramVec
	SyncMessagesApplied prometheus.Counter
	ReplicationFailures *prometheus.CounterVec // label: op

	// PDS
	RecordsCreated  *prometheus.CounterVec // label: collection
	AccountsCreated *prometheus.CounterVec // label: kind

	// Gateway
	PDSFallbacks   prometheus.Counter
	UpstreamErrors *prometheus.CounterVec // label: upstream
	CacheHits      *prometheus.CounterVec // label: cache
	CacheMisses    *prometheus.CounterVec // label: cache

	// HTTP
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPLatency  *prometheus.HistogramVec // labels: method, route
}

// New creates the collectors and registers them on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "messages_accepted_total",
			Help: "Messages validated and newly stored.",
		}),
		MessagesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "messages_rejected_total",
			Help: "Messages rejected by the validator, by reason code.",
		}, []string{"reason"}),
		MessagesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "messages_duplicate_total",
			Help: "Submissions or peer messages whose hash was already known.",
		}),
		GossipSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "gossip_sent_total",
			Help: "Gossip frames queued to peers.",
		}),
		GossipReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "gossip_received_total",
			Help: "Messages received from peers.",
		}),
		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "peers_connected",
			Help: "Live peer connections.",
		}),

		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "runs_total",
			Help: "Scheduled sync runs, by job and result.",
		}, []string{"job", "result"}),
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "run_duration_seconds",
			Help:    "Duration of scheduled sync runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		SyncMessagesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "items_applied_total",
			Help: "Messages or records newly stored by a sync run.",
		}),
		ReplicationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "replication_failures_total",
			Help: "Failed replication calls to peer PDS nodes, by operation.",
		}, []string{"op"}),

		RecordsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pds", Name: "records_created_total",
			Help: "Records created, by collection.",
		}, []string{"collection"}),
		AccountsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pds", Name: "accounts_created_total",
			Help: "Accounts created, by kind (password, wallet, provisioned).",
		}, []string{"kind"}),

		PDSFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "pds_fallbacks_total",
			Help: "Feed queries answered from PDS repositories because every Hub returned nothing.",
		}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "upstream_errors_total",
			Help: "Failed calls to Hubs or PDS nodes.",
		}, []string{"upstream"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Cache hits, by cache.",
		}, []string{"cache"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Cache misses, by cache.",
		}, []string{"cache"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CacheLookup records a hit or miss for the named cache.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}
