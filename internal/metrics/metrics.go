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

// Metrics holds all Prometheus metrics for the trading agent.
type Metrics struct {
	// Quote stream
	QuoteMessages   prometheus.Counter
	QuoteUpdates    prometheus.Counter
	QuoteDrops      prometheus.Counter
	WSReconnects    prometheus.Counter
	QuoteCacheSize  prometheus.Gauge
	StaleExclusions prometheus.Counter

	// Session
	Relogins prometheus.Counter

	// Orders
	OrdersPlaced   prometheus.Counter
	OrderTerminals *prometheus.CounterVec // labels: status=executed|rejected|cancelled
	OrdersPending  prometheus.Gauge

	// Validation
	OrdersBlocked *prometheus.CounterVec // labels: reason

	// Trailing stops
	TrailingUpdates    prometheus.Counter
	TrailingExecutions prometheus.Counter
	ActiveSells        prometheus.Gauge

	// Redis snapshot publisher
	SnapshotPublishes prometheus.Counter
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter

	// Market session state
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		QuoteMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_quote_messages_total",
			Help: "Total quote messages received from the stream",
		}),
		QuoteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_quote_updates_total",
			Help: "Total price updates applied to the cache",
		}),
		QuoteDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_quote_drops_total",
			Help: "Updates dropped because the event channel was full",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		QuoteCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_quote_cache_size",
			Help: "Symbols currently held in the quote cache",
		}),
		StaleExclusions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_quote_stale_exclusions_total",
			Help: "Quote reads excluded due to staleness",
		}),

		Relogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_session_relogins_total",
			Help: "Broker session re-login attempts",
		}),

		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_orders_placed_total",
			Help: "Buy orders submitted to the broker",
		}),
		OrderTerminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_order_terminals_total",
			Help: "Orders reconciled to a terminal state (by status)",
		}, []string{"status"}),
		OrdersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_orders_pending",
			Help: "Buy orders currently awaiting a terminal state",
		}),

		OrdersBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_orders_blocked_total",
			Help: "Orders blocked by pre-trade validation (by reason)",
		}, []string{"reason"}),

		TrailingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_trailing_updates_total",
			Help: "Protective sell orders replaced at a higher level",
		}),
		TrailingExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_trailing_executions_total",
			Help: "Protective sell orders filled",
		}),
		ActiveSells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_sells",
			Help: "Protective sell orders currently standing",
		}),

		SnapshotPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_snapshot_publishes_total",
			Help: "Quote snapshots published to Redis",
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_redis_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_redis_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	prometheus.MustRegister(
		m.QuoteMessages,
		m.QuoteUpdates,
		m.QuoteDrops,
		m.WSReconnects,
		m.QuoteCacheSize,
		m.StaleExclusions,
		m.Relogins,
		m.OrdersPlaced,
		m.OrderTerminals,
		m.OrdersPending,
		m.OrdersBlocked,
		m.TrailingUpdates,
		m.TrailingExecutions,
		m.ActiveSells,
		m.SnapshotPublishes,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.MarketState,
	)

	return m
}

// HealthStatus represents agent health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastQuoteTime  time.Time `json:"last_quote_time"`
	SessionOK      bool      `json:"session_ok"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

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

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastQuoteTime(t time.Time) {
	h.mu.Lock()
	h.LastQuoteTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSessionOK(v bool) {
	h.mu.Lock()
	h.SessionOK = v
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

	if !h.WSConnected || !h.SessionOK || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SessionOK && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	quoteAge := ""
	if !h.LastQuoteTime.IsZero() {
		quoteAge = time.Since(h.LastQuoteTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastQuoteTime   string  `json:"last_quote_time"`
		QuoteAge        string  `json:"quote_age"`
		SessionOK       bool    `json:"session_ok"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastQuoteTime:   h.LastQuoteTime.Format(time.RFC3339),
		QuoteAge:        quoteAge,
		SessionOK:       h.SessionOK,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
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
