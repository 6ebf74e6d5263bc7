package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the price-diff service.
type Metrics struct {
	// Feed
	UpdatesTotal     prometheus.Counter
	DecodeErrors     prometheus.Counter
	FeedReconnects   prometheus.Counter
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber
	ChannelSatPct    *prometheus.GaugeVec   // labels: channel_name

	// Recorder
	SnapshotsWritten  prometheus.Counter
	SnapshotsSkipped  *prometheus.CounterVec // labels: reason
	SnapshotWriteDur  prometheus.Histogram
	SnapshotSymbols   prometheus.Gauge
	SnapshotWriteErrs prometheus.Counter

	// Schedulers
	TicksTotal   *prometheus.CounterVec // labels: interval, outcome
	TicksMissed  *prometheus.CounterVec // labels: interval
	TickLag      *prometheus.GaugeVec   // labels: interval
	DiffRecords  *prometheus.GaugeVec   // labels: interval
	TickDuration *prometheus.HistogramVec

	// Sinks
	PublishDur    *prometheus.HistogramVec // labels: sink
	PublishErrors *prometheus.CounterVec   // labels: sink

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedArtifacts   prometheus.Counter

	// Focus monitor
	FocusAlerts prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on /metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_updates_total",
			Help: "Total price update messages decoded from the exchange stream",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_decode_errors_total",
			Help: "Stream frames that could not be decoded",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_feed_reconnects_total",
			Help: "Total exchange stream reconnection attempts",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricediff_fanout_drops_total",
			Help: "Price updates dropped by the FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSatPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricediff_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_snapshots_written_total",
			Help: "Snapshots written into the ring",
		}),
		SnapshotsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricediff_snapshots_skipped_total",
			Help: "Snapshot writes skipped (no prices yet or stale feed)",
		}, []string{"reason"}),
		SnapshotWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricediff_snapshot_write_duration_seconds",
			Help:    "Snapshot write latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		SnapshotSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricediff_snapshot_symbols",
			Help: "Symbols in the most recent snapshot",
		}),
		SnapshotWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_snapshot_write_errors_total",
			Help: "Snapshot writes that failed",
		}),

		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricediff_ticks_total",
			Help: "Scheduler ticks by interval and outcome",
		}, []string{"interval", "outcome"}),
		TicksMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricediff_ticks_missed_total",
			Help: "Deadlines skipped because the scheduler fell behind",
		}, []string{"interval"}),
		TickLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricediff_tick_lag_seconds",
			Help: "How late the last tick started relative to its deadline",
		}, []string{"interval"}),
		DiffRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricediff_diff_records",
			Help: "Records in the last published artifact",
		}, []string{"interval"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricediff_tick_duration_seconds",
			Help:    "Read + compute + publish latency per tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"interval"}),

		PublishDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricediff_publish_duration_seconds",
			Help:    "Artifact publish latency per sink",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricediff_publish_errors_total",
			Help: "Artifact publishes that failed per sink",
		}, []string{"sink"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricediff_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedArtifacts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_redis_buffered_artifacts_total",
			Help: "Artifacts held back while the Redis circuit breaker was open",
		}),

		FocusAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricediff_focus_alerts_total",
			Help: "Focus-symbol moves that crossed the threshold",
		}),
	}

	reg.MustRegister(
		m.UpdatesTotal,
		m.DecodeErrors,
		m.FeedReconnects,
		m.FanoutDropsTotal,
		m.ChannelSatPct,
		m.SnapshotsWritten,
		m.SnapshotsSkipped,
		m.SnapshotWriteDur,
		m.SnapshotSymbols,
		m.SnapshotWriteErrs,
		m.TicksTotal,
		m.TicksMissed,
		m.TickLag,
		m.DiffRecords,
		m.TickDuration,
		m.PublishDur,
		m.PublishErrors,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedArtifacts,
		m.FocusAlerts,
	)

	return m
}

// IntervalLabel formats an interval for the "interval" label.
func IntervalLabel(interval int) string {
	return strconv.Itoa(interval) + "s"
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	Role            string
	FeedConnected   bool
	LastUpdateTime  time.Time
	LastSnapshotAt  time.Time
	LastPublishAt   map[int]time.Time
	RedisConfigured bool
	RedisConnected  bool
	SQLiteConfigured bool
	SQLiteOK        bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	now func() time.Time
}

// NewHealthStatus returns a default health status for role.
func NewHealthStatus(role string) *HealthStatus {
	return &HealthStatus{
		Role:          role,
		LastPublishAt: make(map[int]time.Time),
		StartedAt:     time.Now(),
		now:           time.Now,
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastUpdateTime(t time.Time) {
	h.mu.Lock()
	h.LastUpdateTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSnapshot(t time.Time) {
	h.mu.Lock()
	h.LastSnapshotAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetPublished(interval int, t time.Time) {
	h.mu.Lock()
	h.LastPublishAt[interval] = t
	h.mu.Unlock()
}

// ExpectIntervals lists the configured analysis intervals so /healthz reports
// them before their first publish.
func (h *HealthStatus) ExpectIntervals(intervals []int) {
	h.mu.Lock()
	for _, iv := range intervals {
		if _, ok := h.LastPublishAt[iv]; !ok {
			h.LastPublishAt[iv] = time.Time{}
		}
	}
	h.mu.Unlock()
}

// ExpectRedis marks Redis as a configured sink so its loss degrades health.
func (h *HealthStatus) ExpectRedis(connected bool) {
	h.mu.Lock()
	h.RedisConfigured = true
	h.RedisConnected = connected
	h.mu.Unlock()
}

// ExpectSQLite marks SQLite as a configured sink so its loss degrades health.
func (h *HealthStatus) ExpectSQLite(ok bool) {
	h.mu.Lock()
	h.SQLiteConfigured = true
	h.SQLiteOK = ok
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

// CheckSQLite pings the database and records latency + health.
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

// RunLivenessChecker probes the optional sinks every interval until ctx is
// cancelled. Either client may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
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
}

type intervalStatus struct {
	Interval      int    `json:"interval"`
	LastPublishAt string `json:"last_publish_at"` // empty until the first publish
	Age           string `json:"age"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	overallStatus := "healthy"
	httpCode := http.StatusOK

	writer := h.Role != "analyzer"
	if (writer && !h.FeedConnected) ||
		(h.RedisConfigured && !h.RedisConnected) ||
		(h.SQLiteConfigured && !h.SQLiteOK) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if writer && !h.FeedConnected && !h.LastSnapshotAt.IsZero() && now.Sub(h.LastSnapshotAt) > time.Minute {
		overallStatus = "unhealthy"
	}

	updateAge := ""
	if !h.LastUpdateTime.IsZero() {
		updateAge = now.Sub(h.LastUpdateTime).Round(time.Millisecond).String()
	}

	intervals := make([]intervalStatus, 0, len(h.LastPublishAt))
	for iv, t := range h.LastPublishAt {
		st := intervalStatus{Interval: iv}
		if !t.IsZero() {
			st.LastPublishAt = t.Format(time.RFC3339)
			st.Age = now.Sub(t).Round(time.Second).String()
		}
		intervals = append(intervals, st)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Interval < intervals[j].Interval })

	status := struct {
		Status          string           `json:"status"`
		Role            string           `json:"role"`
		Uptime          string           `json:"uptime"`
		FeedConnected   bool             `json:"feed_connected"`
		LastUpdateTime  string           `json:"last_update_time"`
		UpdateAge       string           `json:"update_age"`
		LastSnapshotAt  string           `json:"last_snapshot_at"`
		Intervals       []intervalStatus `json:"intervals"`
		RedisConnected  bool             `json:"redis_connected"`
		RedisLatencyMs  float64          `json:"redis_latency_ms"`
		SQLiteOK        bool             `json:"sqlite_ok"`
		SQLiteLatencyMs float64          `json:"sqlite_latency_ms"`
		LastCheckAt     string           `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Role:            h.Role,
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastUpdateTime:  h.LastUpdateTime.Format(time.RFC3339),
		UpdateAge:       updateAge,
		LastSnapshotAt:  h.LastSnapshotAt.Format(time.RFC3339),
		Intervals:       intervals,
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
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer is usually
// prometheus.DefaultGatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		mux:    mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handle mounts an extra handler next to /metrics and /healthz. It must be
// called before Run.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
