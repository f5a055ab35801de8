package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"futures-agent/internal/lifecycle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading agent.
type Metrics struct {
	// Driver metrics
	TicksTotal   *prometheus.CounterVec   // labels: driver, result
	TickDuration *prometheus.HistogramVec // labels: driver
	SkippedTicks *prometheus.CounterVec   // labels: driver
	LastBarLag   prometheus.Gauge

	// Lifecycle
	EventsTotal  *prometheus.CounterVec // labels: kind
	Balance      prometheus.Gauge
	PeakBalance  prometheus.Gauge
	DrawdownPct  prometheus.Gauge
	PositionOpen prometheus.Gauge // 0=flat, 1=long, -1=short
	UnrealizedPn prometheus.Gauge
	CooldownBars prometheus.Gauge
	Halted       prometheus.Gauge

	// Collaborators
	GatewayErrors  *prometheus.CounterVec // labels: op
	NotifyFailures prometheus.Counter
	JournalWrites  *prometheus.CounterVec // labels: result
	JournalDur     prometheus.Histogram
	RedisWriteDur  prometheus.Histogram

	// Circuit breaker (0=closed, 1=open, 2=half-open)
	RedisCircuitBreakerState prometheus.Gauge

	WSClients prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics on reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_ticks_total",
			Help: "Driver invocations by outcome (ok, error, panic)",
		}, []string{"driver", "result"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_tick_duration_seconds",
			Help:    "Driver invocation latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"driver"}),
		SkippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_skipped_ticks_total",
			Help: "Driver invocations skipped because another was still running",
		}, []string{"driver"}),
		LastBarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_last_bar_lag_seconds",
			Help: "Age of the last processed working bar",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_events_total",
			Help: "Lifecycle events by kind",
		}, []string{"kind"}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_balance",
			Help: "Internal account balance",
		}),
		PeakBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_peak_balance",
			Help: "High-water mark of the balance",
		}),
		DrawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_drawdown_pct",
			Help: "Drawdown from the peak balance in percent",
		}),
		PositionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_position_direction",
			Help: "Open position direction (0=flat, 1=long, -1=short)",
		}),
		UnrealizedPn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_unrealized_pnl",
			Help: "Unrealized PnL of the open position at the last close",
		}),
		CooldownBars: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_cooldown_bars",
			Help: "Bars remaining before entries are allowed",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_daily_halt",
			Help: "Daily loss breaker state (0=trading, 1=halted)",
		}),

		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_errors_total",
			Help: "Exchange gateway errors by operation",
		}, []string{"op"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_notify_failures_total",
			Help: "Operator notifications that could not be delivered",
		}),
		JournalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_journal_writes_total",
			Help: "Trade journal writes by result",
		}, []string{"result"}),
		JournalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_journal_write_duration_seconds",
			Help:    "SQLite journal insert latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_redis_write_duration_seconds",
			Help:    "Redis status mirror write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_ws_clients",
			Help: "Connected websocket event stream clients",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.SkippedTicks,
		m.LastBarLag,
		m.EventsTotal,
		m.Balance,
		m.PeakBalance,
		m.DrawdownPct,
		m.PositionOpen,
		m.UnrealizedPn,
		m.CooldownBars,
		m.Halted,
		m.GatewayErrors,
		m.NotifyFailures,
		m.JournalWrites,
		m.JournalDur,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.WSClients,
	)

	return m
}

// ObserveStatus copies a lifecycle snapshot into the gauges.
func (m *Metrics) ObserveStatus(st lifecycle.Status, now time.Time) {
	m.Balance.Set(st.Account.Balance)
	m.PeakBalance.Set(st.Account.PeakBalance)
	m.DrawdownPct.Set(st.Account.DrawdownPct)
	m.CooldownBars.Set(float64(st.Account.Cooldown))
	if st.Account.Halted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
	if st.Position != nil {
		m.PositionOpen.Set(st.Position.Direction.Sign())
		m.UnrealizedPn.Set(st.Position.UnrealizedPnL)
	} else {
		m.PositionOpen.Set(0)
		m.UnrealizedPn.Set(0)
	}
	if !st.LastProcessedBar.IsZero() {
		m.LastBarLag.Set(now.Sub(st.LastProcessedBar).Seconds())
	}
}

// Handler serves the metrics of g, or of the default registry when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the agent's health.
type HealthStatus struct {
	mu sync.RWMutex

	Symbol       string    `json:"symbol"`
	Mode         string    `json:"mode"`
	LastTickTime time.Time `json:"last_tick_time"`
	LastTickOK   bool      `json:"last_tick_ok"`
	LastError    string    `json:"last_error,omitempty"`

	RedisEnabled   bool `json:"-"`
	RedisConnected bool `json:"redis_connected"`
	SQLiteEnabled  bool `json:"-"`
	SQLiteOK       bool `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// StaleAfter marks the agent degraded when no trading tick completed
	// within this window. Zero disables the check.
	StaleAfter time.Duration `json:"-"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(symbol, mode string) *HealthStatus {
	return &HealthStatus{
		Symbol:    symbol,
		Mode:      mode,
		StartedAt: time.Now(),
		now:       time.Now,
	}
}

// RecordTick records the outcome of a trading tick.
func (h *HealthStatus) RecordTick(t time.Time, err error) {
	h.mu.Lock()
	h.LastTickTime = t
	h.LastTickOK = err == nil
	h.LastError = ""
	if err != nil {
		h.LastError = err.Error()
	}
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the journal database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb Pinger, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	probe()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
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

	now := h.now()
	stale := h.StaleAfter > 0 && !h.LastTickTime.IsZero() && now.Sub(h.LastTickTime) > h.StaleAfter
	if (h.RedisEnabled && !h.RedisConnected) || (h.SQLiteEnabled && !h.SQLiteOK) {
		overallStatus = "degraded"
	}
	if stale || (!h.LastTickTime.IsZero() && !h.LastTickOK) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Symbol          string  `json:"symbol"`
		Mode            string  `json:"mode"`
		Uptime          string  `json:"uptime"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		LastTickOK      bool    `json:"last_tick_ok"`
		LastError       string  `json:"last_error,omitempty"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Symbol:          h.Symbol,
		Mode:            h.Mode,
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		LastTickOK:      h.LastTickOK,
		LastError:       h.LastError,
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
