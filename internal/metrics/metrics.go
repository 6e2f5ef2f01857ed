package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the price sync service.
type Metrics struct {
	// Primary stream
	TicksTotal          *prometheus.CounterVec // labels: source
	DecodeErrors        prometheus.Counter
	FlushesTotal        *prometheus.CounterVec // labels: source
	FlushSize           prometheus.Histogram
	ReconnectsScheduled prometheus.Counter
	ReconnectDelay      prometheus.Histogram
	LiveUnavailable     prometheus.Counter
	StreamState         prometheus.Gauge // 0=idle, 1=authorizing, 2=open, 3=closed
	CryptoConnected     prometheus.Gauge

	// Auth
	TokenRefreshes   *prometheus.CounterVec // labels: trigger, result
	Authorizations   *prometheus.CounterVec // labels: result
	SessionInvalid   prometheus.Counter
	RefreshListeners prometheus.Gauge

	// Fallback
	BatchFetches      *prometheus.CounterVec // labels: result
	SimulationCycles  prometheus.Counter
	BatchBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open

	// PriceStore
	MergesTotal     *prometheus.CounterVec // labels: source
	LiveFlag        prometheus.Gauge
	SubscriberDrops prometheus.Counter

	// Redis publisher
	RedisPublishFailures     prometheus.Counter
	RedisCoalescedReplays    prometheus.Counter
	RedisCircuitBreakerState prometheus.Gauge
	RedisCircuitBreakerTrips prometheus.Counter

	// Gateway
	GatewayClients prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_ticks_total",
			Help: "Ticks accepted from live feeds",
		}, []string{"source"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_decode_errors_total",
			Help: "Malformed feed messages dropped",
		}),
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_flushes_total",
			Help: "Buffered tick flushes into the price store",
		}, []string{"source"}),
		FlushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricesync_flush_size",
			Help:    "Symbols per buffered flush",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_stream_reconnects_total",
			Help: "Stream reconnects scheduled after a loss",
		}),
		ReconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricesync_stream_reconnect_delay_seconds",
			Help:    "Backoff delay of scheduled reconnects",
			Buckets: []float64{1, 2, 4, 8, 16, 30},
		}),
		LiveUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_stream_exhausted_total",
			Help: "Times the stream gave up after the maximum reconnect attempts",
		}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_stream_state",
			Help: "Stream state (0=idle, 1=authorizing, 2=open, 3=closed)",
		}),
		CryptoConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_crypto_connected",
			Help: "Crypto exchange stream connected (0/1)",
		}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_token_refreshes_total",
			Help: "Access token refresh attempts",
		}, []string{"trigger", "result"}),
		Authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_feed_authorizations_total",
			Help: "Stream authorization outcomes",
		}, []string{"result"}),
		SessionInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_session_invalid_total",
			Help: "Times stored tokens were cleared and re-login is required",
		}),
		RefreshListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_refresh_listeners",
			Help: "Registered token refresh listeners",
		}),

		BatchFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_batch_fetches_total",
			Help: "Batch quote fetch outcomes",
		}, []string{"result"}),
		SimulationCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_simulation_cycles_total",
			Help: "Simulated price cycles merged",
		}),
		BatchBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_batch_circuit_breaker_state",
			Help: "Batch API circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),

		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_merges_total",
			Help: "Price store merges",
		}, []string{"source"}),
		LiveFlag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_using_live",
			Help: "Price store is serving live data (0/1)",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_subscriber_drops_total",
			Help: "Updates dropped for slow price store subscribers",
		}),

		RedisPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_redis_publish_failures_total",
			Help: "Failed redis price publishes",
		}),
		RedisCoalescedReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_redis_coalesced_replays_total",
			Help: "Ticks replayed to redis after the breaker closed",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_redis_circuit_breaker_trips_total",
			Help: "Times the redis circuit breaker tripped open",
		}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_gateway_clients",
			Help: "Connected dashboard websocket clients",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DecodeErrors,
		m.FlushesTotal,
		m.FlushSize,
		m.ReconnectsScheduled,
		m.ReconnectDelay,
		m.LiveUnavailable,
		m.StreamState,
		m.CryptoConnected,
		m.TokenRefreshes,
		m.Authorizations,
		m.SessionInvalid,
		m.RefreshListeners,
		m.BatchFetches,
		m.SimulationCycles,
		m.BatchBreakerState,
		m.MergesTotal,
		m.LiveFlag,
		m.SubscriberDrops,
		m.RedisPublishFailures,
		m.RedisCoalescedReplays,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.GatewayClients,
	)

	return m
}

// RefreshResult maps a refresh error to the result label.
func RefreshResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// BoolGauge converts a flag for gauge use.
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
