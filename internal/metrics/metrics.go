// Package metrics exposes the client's Prometheus instrumentation,
// grounded on the teacher's metrics.go (one gauge/counter/histogram
// var per concern, registered together). Adapted from the teacher's
// package-level globals plus init() MustRegister into a constructor
// returning a *Registry: a library can be embedded multiple times in
// one process, and package-level prometheus.MustRegister would panic
// on the second construction with "duplicate metrics collector
// registration attempted".
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the client reports, each scoped to a
// private prometheus.Registerer so multiple Client instances in one
// process never collide.
type Registry struct {
	reg *prometheus.Registry

	SocketsConnected    prometheus.Gauge
	SocketsReconnecting prometheus.Gauge
	SocketConnects      prometheus.Counter
	SocketDisconnects   *prometheus.CounterVec

	RPCRequestsTotal    *prometheus.CounterVec
	RPCRequestDuration  *prometheus.HistogramVec
	RPCRetries          *prometheus.CounterVec
	RPCPendingInFlight  prometheus.Gauge

	SubscribeAttempts      *prometheus.CounterVec
	SubscribeLoopsActive   prometheus.Gauge
	SubscribeBackoffSeconds prometheus.Histogram

	ThrottleQueueDepth   prometheus.Gauge
	ThrottleQueueTimeouts prometheus.Counter
	ThrottleActive       prometheus.Gauge

	OrdererBufferedPackets prometheus.Gauge
	OrdererBufferTimeouts  prometheus.Counter
	OrdererDroppedDuplicates prometheus.Counter

	EventQueueDepth  *prometheus.GaugeVec
	ListenerPanics   prometheus.Counter

	ResolveRequests *prometheus.CounterVec
}

// New builds a Registry and registers every metric against its own
// private prometheus.Registry, returned alongside so the caller can
// expose it via promhttp.HandlerFor.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,

		SocketsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_sockets_connected",
			Help: "Current number of connected pool sockets.",
		}),
		SocketsReconnecting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_sockets_reconnecting",
			Help: "Current number of sockets mid-reconnect.",
		}),
		SocketConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtgateway_socket_connects_total",
			Help: "Total successful socket connect attempts.",
		}),
		SocketDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtgateway_socket_disconnects_total",
			Help: "Total socket disconnects by cause.",
		}, []string{"cause"}),

		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtgateway_rpc_requests_total",
			Help: "Total RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mtgateway_rpc_request_duration_seconds",
			Help:    "RPC round-trip latency including retries.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),
		RPCRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtgateway_rpc_retries_total",
			Help: "Total RPC retries by reason.",
		}, []string{"reason"}),
		RPCPendingInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_rpc_pending_in_flight",
			Help: "Current number of pending RPC requests awaiting a response.",
		}),

		SubscribeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtgateway_subscribe_attempts_total",
			Help: "Total subscribe attempts by outcome.",
		}, []string{"outcome"}),
		SubscribeLoopsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_subscribe_loops_active",
			Help: "Current number of active subscription retry loops.",
		}),
		SubscribeBackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtgateway_subscribe_backoff_seconds",
			Help:    "Distribution of subscribe retry backoff durations.",
			Buckets: []float64{3, 6, 12, 24, 48, 96, 192, 300},
		}),

		ThrottleQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_throttle_queue_depth",
			Help: "Current number of synchronizations waiting for a slot.",
		}),
		ThrottleQueueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtgateway_throttle_queue_timeouts_total",
			Help: "Total synchronizations that timed out waiting for a slot.",
		}),
		ThrottleActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_throttle_active",
			Help: "Current number of synchronizations holding a slot.",
		}),

		OrdererBufferedPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtgateway_orderer_buffered_packets",
			Help: "Current number of out-of-order packets buffered awaiting their turn.",
		}),
		OrdererBufferTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtgateway_orderer_buffer_timeouts_total",
			Help: "Total times the reorder buffer gave up waiting for a gap and flushed early.",
		}),
		OrdererDroppedDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtgateway_orderer_dropped_duplicates_total",
			Help: "Total packets dropped as duplicates or already-seen sequence numbers.",
		}),

		EventQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtgateway_event_queue_depth",
			Help: "Current per-account pending event queue depth.",
		}, []string{"accountId"}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtgateway_listener_panics_total",
			Help: "Total panics recovered from a synchronization or latency listener.",
		}),

		ResolveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtgateway_resolve_requests_total",
			Help: "Total provisioning API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
	}

	reg.MustRegister(
		m.SocketsConnected, m.SocketsReconnecting, m.SocketConnects, m.SocketDisconnects,
		m.RPCRequestsTotal, m.RPCRequestDuration, m.RPCRetries, m.RPCPendingInFlight,
		m.SubscribeAttempts, m.SubscribeLoopsActive, m.SubscribeBackoffSeconds,
		m.ThrottleQueueDepth, m.ThrottleQueueTimeouts, m.ThrottleActive,
		m.OrdererBufferedPackets, m.OrdererBufferTimeouts, m.OrdererDroppedDuplicates,
		m.EventQueueDepth, m.ListenerPanics,
		m.ResolveRequests,
	)

	return m, reg
}
