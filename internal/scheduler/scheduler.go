// Package scheduler runs one analysis loop per interval. Each tick reads the
// ring slot for the current second and the slot I seconds earlier, diffs the
// two snapshots and publishes the artifact to every configured sink.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricediff/internal/diff"
	"pricediff/internal/logger"
	"pricediff/internal/model"
	"pricediff/internal/ringbuf"
)

// Tick outcomes, used as the metrics "outcome" label.
const (
	OutcomePublished = "published"
	OutcomeMissing   = "missing" // a slot was never written (warm-up)
	OutcomeStale     = "stale"   // a slot holds a different second than expected
	OutcomeError     = "error"   // read failure or every sink failed
)

// DefaultSettle delays each tick past the whole second so the recorder has
// landed that second's snapshot.
const DefaultSettle = 500 * time.Millisecond

// Config configures one interval task.
type Config struct {
	Exchange string
	Interval int // seconds; must be in (0, depth)

	// Settle is added to every deadline. Zero selects DefaultSettle.
	Settle time.Duration

	// Threshold and TopN shape the movers log line only; artifacts are
	// always complete.
	Threshold float64
	TopN      int
}

// Task is the IntervalScheduler for a single interval.
type Task struct {
	cfg   Config
	store model.SnapshotReader
	sinks []model.ResultSink
	log   *slog.Logger
	now   func() time.Time

	// Optional hooks.
	OnTick    func(outcome string, records int, took time.Duration)
	OnPublish func(sink string, took time.Duration, err error)
	OnMissed  func(skipped int)
	OnLag     func(lag time.Duration)
}

// New creates a Task reading from store and publishing to sinks.
func New(cfg Config, store model.SnapshotReader, sinks []model.ResultSink, log *slog.Logger) (*Task, error) {
	if cfg.Interval <= 0 || cfg.Interval >= store.Depth() {
		return nil, fmt.Errorf("scheduler: interval %ds outside (0, %d)", cfg.Interval, store.Depth())
	}
	if cfg.Settle == 0 {
		cfg.Settle = DefaultSettle
	}
	return &Task{
		cfg:   cfg,
		store: store,
		sinks: sinks,
		log: log.With(
			slog.String("component", "scheduler"),
			slog.String("exchange", cfg.Exchange),
			slog.Int("interval", cfg.Interval),
		),
		now: time.Now,
	}, nil
}

// Interval returns the task's interval in seconds.
func (s *Task) Interval() int { return s.cfg.Interval }

// Run ticks on absolute deadlines until ctx is cancelled.
func (s *Task) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.Interval) * time.Second
	deadline := FirstDeadline(s.now(), interval, s.cfg.Settle)
	timer := time.NewTimer(deadline.Sub(s.now()))
	defer timer.Stop()

	s.log.Info("scheduler started", slog.Time("first_tick", deadline))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if s.OnLag != nil {
			s.OnLag(s.now().Sub(deadline))
		}

		// The tick is named by its deadline, not the wake-up time, so a late
		// wake-up still compares the seconds it was scheduled for.
		s.Tick(ctx, deadline)

		next, skipped := NextDeadline(deadline, s.now(), interval)
		if skipped > 0 {
			s.log.Warn("scheduler fell behind, skipping deadlines", slog.Int("skipped", skipped))
			if s.OnMissed != nil {
				s.OnMissed(skipped)
			}
		}
		deadline = next
		timer.Reset(deadline.Sub(s.now()))
	}
}

// Tick performs one comparison for the tick time t. A missing or stale slot
// is a silent no-op: outcome is reported, artifact is nil and err is nil.
// Sink failures are returned joined; outcome is published as long as at
// least one sink accepted the artifact.
func (s *Task) Tick(ctx context.Context, t time.Time) (outcome string, artifact *model.ResultArtifact, err error) {
	start := time.Now()
	ctx = logger.WithTickID(ctx, logger.GenerateTickID(s.cfg.Exchange, s.cfg.Interval, t))
	log := s.log.With(logger.LogWithTick(ctx)...)

	records := 0
	defer func() {
		if s.OnTick != nil {
			s.OnTick(outcome, records, time.Since(start))
		}
	}()

	sec := t.Unix()
	cur, outcome, err := s.read(log, sec)
	if cur == nil {
		return outcome, nil, err
	}
	prev, outcome, err := s.read(log, sec-int64(s.cfg.Interval))
	if prev == nil {
		return outcome, nil, err
	}

	artifact = &model.ResultArtifact{
		Exchange:    s.cfg.Exchange,
		Interval:    s.cfg.Interval,
		PublishedAt: s.now(),
		Records:     diff.Compute(prev.Prices, cur.Prices),
	}
	records = len(artifact.Records)

	err = s.publish(ctx, log, artifact)
	if err != nil && s.allFailed(err) {
		return OutcomeError, artifact, err
	}

	s.logMovers(log, artifact.Records)
	return OutcomePublished, artifact, err
}

// read loads the slot for sec and enforces that it holds exactly sec.
func (s *Task) read(log *slog.Logger, sec int64) (*model.Snapshot, string, error) {
	slot := ringbuf.SlotFor(time.Unix(sec, 0), s.store.Depth())
	snap, ok, err := s.store.Read(slot)
	if err != nil {
		log.Error("snapshot read failed", slog.Int("slot", slot), slog.Any("error", err))
		return nil, OutcomeError, fmt.Errorf("read slot %d: %w", slot, err)
	}
	if !ok {
		log.Debug("snapshot missing, skipping tick", slog.Int("slot", slot))
		return nil, OutcomeMissing, nil
	}
	if snap.Second() != sec {
		log.Debug("snapshot stale, skipping tick",
			slog.Int("slot", slot),
			slog.Int64("want_second", sec),
			slog.Int64("have_second", snap.Second()),
		)
		return nil, OutcomeStale, nil
	}
	return snap, "", nil
}

type sinkErrors struct {
	failed int
	total  int
	err    error
}

func (e *sinkErrors) Error() string { return e.err.Error() }
func (e *sinkErrors) Unwrap() error { return e.err }

func (s *Task) publish(ctx context.Context, log *slog.Logger, a *model.ResultArtifact) error {
	var errs []error
	for _, sink := range s.sinks {
		start := time.Now()
		err := sink.Publish(ctx, a)
		took := time.Since(start)
		if s.OnPublish != nil {
			s.OnPublish(sink.Name(), took, err)
		}
		if err != nil {
			log.Error("publish failed", slog.String("sink", sink.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &sinkErrors{failed: len(errs), total: len(s.sinks), err: errors.Join(errs...)}
}

func (s *Task) allFailed(err error) bool {
	var se *sinkErrors
	return errors.As(err, &se) && se.failed == se.total
}

type mover struct {
	Symbol string  `json:"symbol"`
	Pct    float64 `json:"pct"`
}

// logMovers writes the threshold/top-N view of the artifact.
func (s *Task) logMovers(log *slog.Logger, records []model.DiffRecord) {
	top := diff.Filter(records, s.cfg.Threshold, s.cfg.TopN)
	if len(top) == 0 {
		log.Info("no significant changes",
			slog.Int("records", len(records)),
			slog.Float64("threshold_pct", s.cfg.Threshold),
		)
		return
	}
	movers := make([]mover, len(top))
	for i, r := range top {
		movers[i] = mover{Symbol: r.Symbol, Pct: r.Pct}
	}
	log.Info("price movers",
		slog.Int("records", len(records)),
		slog.Float64("threshold_pct", s.cfg.Threshold),
		slog.Any("top", movers),
	)
}

// FirstDeadline returns the first multiple of interval (counted from the
// Unix epoch) strictly after now, plus settle.
func FirstDeadline(now time.Time, interval, settle time.Duration) time.Time {
	n := now.UnixNano()
	iv := int64(interval)
	return time.Unix(0, n-n%iv+iv).Add(settle)
}

// NextDeadline advances deadline by one interval. If that is not after now,
// whole intervals are skipped until it is; skipped reports how many.
func NextDeadline(deadline, now time.Time, interval time.Duration) (next time.Time, skipped int) {
	next = deadline.Add(interval)
	if next.After(now) {
		return next, 0
	}
	skipped = int(now.Sub(next)/interval) + 1
	return next.Add(time.Duration(skipped) * interval), skipped
}
