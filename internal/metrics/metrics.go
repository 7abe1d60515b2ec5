package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Offline queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_queue_depth",
			Help: "Number of write operations waiting in the offline queue",
		},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_queue_enqueued_total",
			Help: "Write operations diverted to the offline queue by reason",
		},
		[]string{"reason"},
	)

	DrainRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boardsync_drain_runs_total",
			Help: "Number of queue drain passes started",
		},
	)

	DrainReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_drain_replayed_total",
			Help: "Queued operations replayed by result",
		},
		[]string{"result"},
	)

	// Push channel metrics
	PushConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_push_connects_total",
			Help: "Push channel connection attempts by result",
		},
		[]string{"result"},
	)

	PushMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_push_messages_total",
			Help: "Push channel frames received by message type",
		},
		[]string{"type"},
	)

	PushState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_push_state",
			Help: "Push channel state (0 idle, 1 connecting, 2 open, 3 backoff, 4 stopped)",
		},
	)

	// Store metrics
	StoreEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_store_events_total",
			Help: "Sync events reconciled by entity stores",
		},
		[]string{"entity", "action"},
	)

	StoreFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_store_fetches_total",
			Help: "Full collection fetches by entity and result",
		},
		[]string{"entity", "result"},
	)

	OnlineGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_online",
			Help: "Whether the client currently considers itself online (1 = online)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		QueueEnqueuedTotal,
		DrainRunsTotal,
		DrainReplayedTotal,
		PushConnectsTotal,
		PushMessagesTotal,
		PushState,
		StoreEventsTotal,
		StoreFetchesTotal,
		OnlineGauge,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge converts a boolean into a gauge value
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
