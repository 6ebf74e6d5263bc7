// Package recorder is the single snapshot writer. It folds price updates from
// the feed into its own latest-price map and writes that map into the ring
// every snap interval, aligned to wall-clock seconds.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"pricediff/internal/model"
)

// Skip reasons reported through OnSkip.
const (
	SkipEmpty = "empty" // no price received yet
	SkipStale = "stale" // newest update is older than StaleAfter
)

// Config configures the recorder.
type Config struct {
	Exchange string

	// Interval between snapshot writes. Defaults to 1s.
	Interval time.Duration

	// StaleAfter stops writes once the newest update is older than this, so
	// a dead feed leaves gaps in the ring instead of repeating old prices.
	// Defaults to 10s.
	StaleAfter time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
}

// Recorder owns the latest price map. Only its Run goroutine touches it.
type Recorder struct {
	cfg   Config
	store model.SnapshotWriter
	log   *slog.Logger
	now   func() time.Time

	latest     map[string]float64
	lastUpdate time.Time

	// Optional hooks.
	OnUpdate     func(upd model.PriceUpdate)
	OnWrite      func(ts time.Time, symbols int, took time.Duration)
	OnSkip       func(reason string)
	OnWriteError func(err error)
}

// New creates a Recorder writing into store.
func New(cfg Config, store model.SnapshotWriter, log *slog.Logger) *Recorder {
	cfg.defaults()
	return &Recorder{
		cfg:    cfg,
		store:  store,
		log:    log.With(slog.String("component", "recorder"), slog.String("exchange", cfg.Exchange)),
		now:    time.Now,
		latest: make(map[string]float64),
	}
}

// Run consumes updates and writes snapshots until ctx is cancelled or
// updates is closed.
func (r *Recorder) Run(ctx context.Context, updates <-chan model.PriceUpdate) error {
	next := nextBoundary(r.now(), r.cfg.Interval)
	timer := time.NewTimer(next.Sub(r.now()))
	defer timer.Stop()

	r.log.Info("recorder started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("stale_after", r.cfg.StaleAfter),
		slog.Time("first_write", next),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case upd, ok := <-updates:
			if !ok {
				r.log.Info("update channel closed, recorder stopping")
				return nil
			}
			r.apply(upd)

		case <-timer.C:
			r.write(r.now())

			now := r.now()
			next = next.Add(r.cfg.Interval)
			if !next.After(now) {
				// Fell behind; resume at the next boundary instead of
				// writing a burst of snapshots with the same prices.
				next = nextBoundary(now, r.cfg.Interval)
			}
			timer.Reset(next.Sub(now))
		}
	}
}

// apply merges an update into the latest map. Exchanges push only the
// tickers that changed, so symbols absent from upd keep their last price.
func (r *Recorder) apply(upd model.PriceUpdate) {
	for sym, p := range upd.Prices {
		r.latest[sym] = p
	}
	if upd.ReceivedAt.After(r.lastUpdate) {
		r.lastUpdate = upd.ReceivedAt
	}
	if r.OnUpdate != nil {
		r.OnUpdate(upd)
	}
}

// write stores the latest map as the snapshot for ts, unless there is
// nothing to write or the feed has gone stale.
func (r *Recorder) write(ts time.Time) {
	if len(r.latest) == 0 {
		r.skip(SkipEmpty)
		return
	}
	if age := ts.Sub(r.lastUpdate); age > r.cfg.StaleAfter {
		r.log.Debug("feed stale, skipping snapshot", slog.Duration("age", age))
		r.skip(SkipStale)
		return
	}

	start := time.Now()
	if err := r.store.Write(ts, r.latest); err != nil {
		r.log.Error("snapshot write failed", slog.Time("ts", ts), slog.Any("error", err))
		if r.OnWriteError != nil {
			r.OnWriteError(err)
		}
		return
	}
	if r.OnWrite != nil {
		r.OnWrite(ts, len(r.latest), time.Since(start))
	}
}

func (r *Recorder) skip(reason string) {
	if r.OnSkip != nil {
		r.OnSkip(reason)
	}
}

// nextBoundary returns the first multiple of d (since the Unix epoch)
// strictly after t.
func nextBoundary(t time.Time, d time.Duration) time.Time {
	n := t.UnixNano()
	return time.Unix(0, n-n%int64(d)+int64(d))
}
