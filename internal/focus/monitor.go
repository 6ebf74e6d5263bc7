// Package focus watches a single symbol straight off the feed and raises an
// alert whenever its move over the focus interval clears the threshold.
package focus

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"pricediff/internal/diff"
	"pricediff/internal/model"
	"pricediff/internal/notification"

	"golang.org/x/time/rate"
)

// DefaultAlertsPerMinute caps notifier sends when Config leaves it zero.
const DefaultAlertsPerMinute = 6

// Config configures the focus monitor.
type Config struct {
	Exchange  string
	Symbol    string
	Spacing   time.Duration
	Threshold float64

	// AlertsPerMinute caps deliveries to the notifier; moves beyond the cap
	// are still logged.
	AlertsPerMinute int
}

// Monitor tracks one symbol. Only its Run goroutine touches the tracker.
type Monitor struct {
	cfg      Config
	tracker  *diff.FocusTracker
	notifier notification.Notifier
	limiter  *rate.Limiter
	log      *slog.Logger
	reset    chan struct{}

	// OnAlert is called for each move that clears the threshold.
	OnAlert func(rec model.DiffRecord)
}

// New creates a Monitor. The symbol is upper-cased to match decoded tickers.
func New(cfg Config, notifier notification.Notifier, log *slog.Logger) *Monitor {
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	if cfg.AlertsPerMinute <= 0 {
		cfg.AlertsPerMinute = DefaultAlertsPerMinute
	}
	return &Monitor{
		cfg:      cfg,
		tracker:  diff.NewFocusTracker(cfg.Symbol, cfg.Spacing),
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AlertsPerMinute)), cfg.AlertsPerMinute),
		reset:    make(chan struct{}, 1),
		log: log.With(
			slog.String("component", "focus"),
			slog.String("exchange", cfg.Exchange),
			slog.String("symbol", cfg.Symbol),
		),
	}
}

// Run consumes updates until ctx is cancelled or updates is closed.
func (m *Monitor) Run(ctx context.Context, updates <-chan model.PriceUpdate) error {
	m.log.Info("focus monitor started",
		slog.Duration("spacing", m.cfg.Spacing),
		slog.Float64("threshold_pct", m.cfg.Threshold),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			m.Observe(ctx, upd)
		}
	}
}

// Reset drops the baseline before the next observation, so a comparison
// never spans a feed outage. Safe to call from any goroutine.
func (m *Monitor) Reset() {
	select {
	case m.reset <- struct{}{}:
	default:
	}
}

// Observe feeds one update. It returns the alert that was sent, if any.
func (m *Monitor) Observe(ctx context.Context, upd model.PriceUpdate) *notification.Alert {
	select {
	case <-m.reset:
		m.tracker.Reset()
		m.log.Debug("focus baseline reset")
	default:
	}

	price, ok := upd.Prices[m.cfg.Symbol]
	if !ok {
		return nil
	}
	rec, ok := m.tracker.Observe(price, upd.ReceivedAt)
	if !ok {
		return nil
	}
	if math.Abs(rec.Pct) < m.cfg.Threshold {
		m.log.Debug("focus move below threshold", slog.Float64("pct", rec.Pct))
		return nil
	}

	alert := notification.Alert{
		Level:    notification.LevelFor(rec.Pct, m.cfg.Threshold),
		Exchange: m.cfg.Exchange,
		Symbol:   rec.Symbol,
		Old:      rec.Old,
		New:      rec.New,
		Pct:      rec.Pct,
		Window:   m.cfg.Spacing,
		At:       upd.ReceivedAt,
	}
	m.log.Info("focus move",
		slog.Float64("price", rec.New),
		slog.String("pct", notification.FormatPct(rec.Pct)),
		slog.String("level", string(alert.Level)),
	)
	if m.OnAlert != nil {
		m.OnAlert(rec)
	}

	if m.notifier != nil {
		if !m.limiter.Allow() {
			m.log.Warn("alert rate limit reached, not delivering", slog.String("pct", notification.FormatPct(rec.Pct)))
			return &alert
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := m.notifier.Send(sendCtx, alert); err != nil {
			m.log.Warn("alert delivery failed", slog.Any("error", err))
		}
	}
	return &alert
}
