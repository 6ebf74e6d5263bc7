// Package service wires the price-diff pipeline for one exchange:
//
//	feed -> bus -> recorder -> ring -> schedulers -> sinks
//	            \-> focus monitor -> notifiers
//
// and supervises every loop with an errgroup.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pricediff/config"
	"pricediff/internal/api"
	"pricediff/internal/focus"
	"pricediff/internal/marketdata/bus"
	"pricediff/internal/marketdata/feed"
	"pricediff/internal/metrics"
	"pricediff/internal/model"
	"pricediff/internal/notification"
	"pricediff/internal/recorder"
	"pricediff/internal/ringbuf"
	"pricediff/internal/scheduler"
	fsstore "pricediff/internal/store/fs"
	redisstore "pricediff/internal/store/redis"
	sqlitestore "pricediff/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	busBufferSize      = 256
	livenessInterval   = 10 * time.Second
	saturationInterval = 5 * time.Second
)

// Service is the top-level orchestrator.
type Service struct {
	cfg    *config.Config
	log    *slog.Logger
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	gather prometheus.Gatherer

	store   model.SnapshotStore
	results *fsstore.ResultSink
	sinks   []model.ResultSink

	feed        *feed.Client
	redisWriter *redisstore.Writer
	sqlWriter   *sqlitestore.Writer
}

// New builds every component the configured role needs. reg and gather are
// usually prometheus.DefaultRegisterer and prometheus.DefaultGatherer.
func New(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer, gather prometheus.Gatherer) (*Service, error) {
	svc := &Service{
		cfg:    cfg,
		log:    log.With(slog.String("exchange", cfg.Exchange), slog.String("role", cfg.Role)),
		prom:   metrics.NewMetrics(reg),
		health: metrics.NewHealthStatus(cfg.Role),
		gather: gather,
	}

	// ---- Snapshot ring ----
	switch cfg.Store {
	case config.StoreMemory:
		svc.store = ringbuf.New(ringbuf.DefaultDepth)
	default:
		st, err := fsstore.NewSnapshotStore(cfg.SnapDir, cfg.Exchange, ringbuf.DefaultDepth)
		if err != nil {
			return nil, err
		}
		svc.store = st
	}

	// ---- Result sinks ----
	if cfg.RunsAnalyzer() {
		svc.health.ExpectIntervals(cfg.AnalysisIntervals)
		svc.results = fsstore.NewResultSink(cfg.ResultsDir)
		if err := svc.results.Prepare(cfg.Exchange, cfg.AnalysisIntervals); err != nil {
			return nil, err
		}
		svc.sinks = append(svc.sinks, svc.results)

		if err := svc.openSQLite(); err != nil {
			return nil, err
		}
		svc.openRedis()
	}

	// ---- Feed ----
	if cfg.RunsWriter() {
		fcfg, err := feed.Resolve(cfg.Exchange, cfg.StreamURL, cfg.Symbols)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.feed, err = feed.New(fcfg)
		if err != nil {
			svc.Close()
			return nil, err
		}
	}

	return svc, nil
}

func (svc *Service) openSQLite() error {
	if svc.cfg.SQLitePath == "" {
		return nil
	}
	if dir := filepath.Dir(svc.cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sqlite dir: %w", err)
		}
	}
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: svc.cfg.SQLitePath})
	if err != nil {
		return err
	}
	svc.sqlWriter = w
	svc.sinks = append(svc.sinks, w)
	svc.health.ExpectSQLite(true)
	return nil
}

// openRedis connects the optional Redis sink. A Redis that is down at
// startup is logged and skipped, as it is not the sink of record.
func (svc *Service) openRedis() {
	if svc.cfg.RedisAddr == "" {
		return
	}
	w, err := redisstore.New(redisstore.WriterConfig{
		Addr:     svc.cfg.RedisAddr,
		Password: svc.cfg.RedisPassword,
		DB:       svc.cfg.RedisDB,
	})
	if err != nil {
		svc.log.Warn("redis init failed, continuing without redis", slog.Any("error", err))
		return
	}
	svc.redisWriter = w
	svc.health.ExpectRedis(true)
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails. Resources are released before it returns.
func (svc *Service) Run(ctx context.Context) error {
	defer svc.Close()

	g, ctx := errgroup.WithContext(ctx)

	if svc.redisWriter != nil {
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			svc.log.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
			svc.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				svc.prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		buffered := redisstore.NewBufferedSink(ctx, svc.redisWriter, cb)
		buffered.OnBuffer = svc.prom.RedisBufferedArtifacts.Inc
		svc.sinks = append(svc.sinks, buffered)
	}

	if svc.cfg.MetricsAddr != "" {
		srv := metrics.NewServer(svc.cfg.MetricsAddr, svc.health, svc.gather)
		if svc.results != nil {
			srv.Handle("/api/", api.NewRouter(svc.results, svc.health, svc.cfg.Exchange,
				svc.cfg.AnalysisIntervals, svc.cfg.ThresholdPct, svc.cfg.TopN))
		}
		g.Go(func() error {
			if err := srv.Run(ctx); err != nil {
				svc.log.Error("metrics server stopped", slog.Any("error", err))
			}
			return nil
		})
	}

	if svc.redisWriter != nil || svc.sqlWriter != nil {
		var rdb *goredis.Client
		var db *sql.DB
		if svc.redisWriter != nil {
			rdb = svc.redisWriter.Client()
		}
		if svc.sqlWriter != nil {
			db = svc.sqlWriter.DB()
		}
		g.Go(func() error {
			svc.health.RunLivenessChecker(ctx, rdb, db, livenessInterval)
			return nil
		})
	}

	if svc.cfg.RunsWriter() {
		svc.startWriter(ctx, g)
	}

	if svc.cfg.RunsAnalyzer() {
		if err := svc.startSchedulers(ctx, g); err != nil {
			return err
		}
	} else if svc.cfg.Focus != "" {
		svc.log.Warn("focus needs the live feed; ignored in analyzer role")
	}

	svc.log.Info("price diff service running",
		slog.String("store", svc.cfg.Store),
		slog.Any("intervals", svc.cfg.AnalysisIntervals),
		slog.Any("sinks", svc.sinkNames()),
		slog.String("focus", svc.cfg.Focus),
	)

	err := g.Wait()
	svc.log.Info("shutdown complete")
	return err
}

// startWriter launches feed -> bus -> recorder (+ focus monitor).
func (svc *Service) startWriter(ctx context.Context, g *errgroup.Group) {
	updates := make(chan model.PriceUpdate, busBufferSize)

	var mon *focus.Monitor
	if svc.cfg.Focus != "" {
		mon = focus.New(focus.Config{
			Exchange:        svc.cfg.Exchange,
			Symbol:          svc.cfg.Focus,
			Spacing:         svc.cfg.FocusSpacing(),
			Threshold:       svc.cfg.ThresholdPct,
			AlertsPerMinute: svc.cfg.AlertsPerMinute,
		}, svc.notifier(), svc.log)
		mon.OnAlert = func(model.DiffRecord) { svc.prom.FocusAlerts.Inc() }
	}

	svc.feed.OnConnect = func() {
		svc.health.SetFeedConnected(true)
		if mon != nil {
			mon.Reset()
		}
	}
	svc.feed.OnDisconnect = func(error) { svc.health.SetFeedConnected(false) }
	svc.feed.OnReconnect = svc.prom.FeedReconnects.Inc
	svc.feed.OnDecodeError = func(err error) {
		svc.prom.DecodeErrors.Inc()
		svc.log.Debug("decode error", slog.Any("error", err))
	}

	fan := bus.New(busBufferSize)
	fan.OnDrop = func(name string) {
		svc.prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}
	recCh := fan.Subscribe("recorder")
	var focusCh <-chan model.PriceUpdate
	if svc.cfg.Focus != "" {
		focusCh = fan.Subscribe("focus")
	}

	rec := recorder.New(recorder.Config{
		Exchange:   svc.cfg.Exchange,
		Interval:   svc.cfg.SnapEvery(),
		StaleAfter: svc.cfg.StaleAfterDuration(),
	}, svc.store, svc.log)
	rec.OnUpdate = func(upd model.PriceUpdate) {
		svc.prom.UpdatesTotal.Inc()
		svc.health.SetLastUpdateTime(upd.ReceivedAt)
	}
	rec.OnWrite = func(ts time.Time, symbols int, took time.Duration) {
		svc.prom.SnapshotsWritten.Inc()
		svc.prom.SnapshotWriteDur.Observe(took.Seconds())
		svc.prom.SnapshotSymbols.Set(float64(symbols))
		svc.health.SetLastSnapshot(ts)
	}
	rec.OnSkip = func(reason string) {
		svc.prom.SnapshotsSkipped.WithLabelValues(reason).Inc()
	}
	rec.OnWriteError = func(error) { svc.prom.SnapshotWriteErrs.Inc() }

	svc.log.Info("starting feed", slog.String("url", svc.feed.URL()))

	g.Go(func() error { return svc.feed.Start(ctx, updates) })
	g.Go(func() error {
		fan.Run(ctx, updates)
		return nil
	})
	g.Go(func() error { return rec.Run(ctx, recCh) })
	g.Go(func() error {
		svc.reportSaturation(ctx, fan)
		return nil
	})

	if focusCh != nil {
		g.Go(func() error { return mon.Run(ctx, focusCh) })
	}
}

// startSchedulers launches one IntervalScheduler per configured interval.
func (svc *Service) startSchedulers(ctx context.Context, g *errgroup.Group) error {
	for _, iv := range svc.cfg.AnalysisIntervals {
		task, err := scheduler.New(scheduler.Config{
			Exchange:  svc.cfg.Exchange,
			Interval:  iv,
			Threshold: svc.cfg.ThresholdPct,
			TopN:      svc.cfg.TopN,
		}, svc.store, svc.sinks, svc.log)
		if err != nil {
			return err
		}

		label := metrics.IntervalLabel(iv)
		interval := iv
		task.OnTick = func(outcome string, records int, took time.Duration) {
			svc.prom.TicksTotal.WithLabelValues(label, outcome).Inc()
			svc.prom.TickDuration.WithLabelValues(label).Observe(took.Seconds())
			if outcome == scheduler.OutcomePublished {
				svc.prom.DiffRecords.WithLabelValues(label).Set(float64(records))
				svc.health.SetPublished(interval, time.Now())
			}
		}
		task.OnPublish = func(sink string, took time.Duration, err error) {
			svc.prom.PublishDur.WithLabelValues(sink).Observe(took.Seconds())
			if err != nil {
				svc.prom.PublishErrors.WithLabelValues(sink).Inc()
			}
		}
		task.OnMissed = func(n int) {
			svc.prom.TicksMissed.WithLabelValues(label).Add(float64(n))
		}
		task.OnLag = func(lag time.Duration) {
			svc.prom.TickLag.WithLabelValues(label).Set(lag.Seconds())
		}

		g.Go(func() error { return task.Run(ctx) })
	}
	return nil
}

// notifier assembles the configured alert channels.
func (svc *Service) notifier() notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier()}
	if svc.cfg.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(svc.cfg.WebhookURL))
	}
	if svc.cfg.TelegramBotToken != "" {
		multi = append(multi, notification.NewTelegramNotifier(svc.cfg.TelegramBotToken, svc.cfg.TelegramChatID))
	}
	return multi
}

// reportSaturation samples fan-out channel fill levels.
func (svc *Service) reportSaturation(ctx context.Context, fan *bus.FanOut) {
	ticker := time.NewTicker(saturationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range fan.ChannelStats() {
				if st.Cap > 0 {
					pct := float64(st.Len) / float64(st.Cap) * 100
					svc.prom.ChannelSatPct.WithLabelValues("fanout_" + st.Name).Set(pct)
				}
			}
		}
	}
}

func (svc *Service) sinkNames() string {
	names := make([]string, len(svc.sinks))
	for i, s := range svc.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

// Close releases the optional sink connections.
func (svc *Service) Close() {
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
		svc.sqlWriter = nil
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
		svc.redisWriter = nil
	}
}
