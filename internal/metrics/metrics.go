package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	TicksTotal   prometheus.Counter
	FeedDrops    prometheus.Counter
	WSReconnects prometheus.Counter

	// Order book / execution
	OrdersPlaced    *prometheus.CounterVec // labels: variant
	OrdersTriggered prometheus.Counter
	OrdersExecuted  *prometheus.CounterVec // labels: variant
	OrdersCancelled prometheus.Counter
	OrdersExpired   prometheus.Counter
	DuplicateFills  prometheus.Counter
	ExecutionErrors prometheus.Counter
	PendingOrders   prometheus.Gauge

	// Sweeper
	SweepDuration   prometheus.Histogram
	IntradayClosed  prometheus.Counter
	HoldingsCreated prometheus.Counter

	// Stores
	SQLiteCommitDur prometheus.Histogram
	RedisWriteDur   prometheus.Histogram

	// Ring buffer overflow
	RingBufOverflow prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Market session state
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total ticks received from the feed",
		}),
		FeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_feed_drops_total",
			Help: "Ticks dropped because the ingest channel was full",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ws_reconnects_total",
			Help: "Total feed WebSocket reconnection attempts",
		}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Conditional orders accepted (by variant)",
		}, []string{"variant"}),
		OrdersTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_triggered_total",
			Help: "Resting orders activated by a tick",
		}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_executed_total",
			Help: "Fills applied to positions (by variant)",
		}, []string{"variant"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_cancelled_total",
			Help: "Orders cancelled before execution",
		}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_expired_total",
			Help: "Resting orders expired at market close",
		}),
		DuplicateFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_duplicate_fills_total",
			Help: "Fill attempts rejected by the order-id membership guard",
		}),
		ExecutionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_execution_errors_total",
			Help: "Fills that failed after persistence retries",
		}),
		PendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_pending_orders",
			Help: "Resting orders currently indexed in the book",
		}),

		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_sweep_duration_seconds",
			Help:    "Lifecycle sweep latency",
			Buckets: prometheus.DefBuckets,
		}),
		IntradayClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_intraday_squared_off_total",
			Help: "Intraday positions squared off by the sweeper",
		}),
		HoldingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_holdings_created_total",
			Help: "Delivery positions converted to holdings",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_sqlite_commit_duration_seconds",
			Help:    "SQLite write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_redis_write_duration_seconds",
			Help:    "Redis mirror write latency",
			Buckets: prometheus.DefBuckets,
		}),

		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ringbuf_overflow_total",
			Help: "Ring buffer push overflows (dropped ticks)",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.FeedDrops,
		m.WSReconnects,
		m.OrdersPlaced,
		m.OrdersTriggered,
		m.OrdersExecuted,
		m.OrdersCancelled,
		m.OrdersExpired,
		m.DuplicateFills,
		m.ExecutionErrors,
		m.PendingOrders,
		m.SweepDuration,
		m.IntradayClosed,
		m.HoldingsCreated,
		m.SQLiteCommitDur,
		m.RedisWriteDur,
		m.RingBufOverflow,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MarketState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	SweeperOK      bool      `json:"sweeper_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSweeperOK(v bool) {
	h.mu.Lock()
	h.SweeperOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK {
		// Without the durable store no fill can commit.
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		SweeperOK       bool    `json:"sweeper_ok"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		SweeperOK:       h.SweeperOK,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
