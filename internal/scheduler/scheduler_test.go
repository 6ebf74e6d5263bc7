package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"pricediff/internal/model"
	"pricediff/internal/ringbuf"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memSink struct {
	mu        sync.Mutex
	name      string
	err       error
	published []*model.ResultArtifact
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Publish(_ context.Context, a *model.ResultArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, a)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func newTask(t *testing.T, ring *ringbuf.Ring, interval int, sinks ...model.ResultSink) *Task {
	t.Helper()
	task, err := New(Config{Exchange: "binance", Interval: interval, Threshold: 0.5, TopN: 20}, ring, sinks, discard())
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

var tickAt = time.Unix(1_700_000_000, 500_000_000)

func TestTick_WarmUpProducesNothing(t *testing.T) {
	ring := ringbuf.New(60)
	sink := &memSink{name: "mem"}
	task := newTask(t, ring, 10, sink)

	outcome, a, err := task.Tick(context.Background(), tickAt)
	if err != nil || a != nil || outcome != OutcomeMissing {
		t.Fatalf("empty ring: outcome=%s artifact=%v err=%v", outcome, a, err)
	}

	// Only the current second written: still warming up.
	ring.Write(time.Unix(1_700_000_000, 0), map[string]float64{"BTCUSDT": 1})
	outcome, a, err = task.Tick(context.Background(), tickAt)
	if err != nil || a != nil || outcome != OutcomeMissing {
		t.Fatalf("half-warm ring: outcome=%s artifact=%v err=%v", outcome, a, err)
	}
	if sink.count() != 0 {
		t.Errorf("expected no artifacts, got %d", sink.count())
	}
}

func TestTick_PublishesDiff(t *testing.T) {
	ring := ringbuf.New(60)
	sink := &memSink{name: "mem"}
	task := newTask(t, ring, 10, sink)

	ring.Write(time.Unix(1_699_999_990, 200_000_000), map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50, "ZEROUSDT": 0})
	ring.Write(time.Unix(1_700_000_000, 100_000_000), map[string]float64{"BTCUSDT": 110, "ETHUSDT": 45, "ZEROUSDT": 3})

	var ticked string
	task.OnTick = func(outcome string, records int, _ time.Duration) { ticked = outcome }

	outcome, a, err := task.Tick(context.Background(), tickAt)
	if err != nil || outcome != OutcomePublished {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if ticked != OutcomePublished {
		t.Errorf("OnTick saw %q", ticked)
	}
	if sink.count() != 1 || sink.published[0] != a {
		t.Fatalf("expected the artifact to reach the sink")
	}
	if a.Exchange != "binance" || a.Interval != 10 {
		t.Errorf("unexpected artifact header %+v", a)
	}
	if len(a.Records) != 2 {
		t.Fatalf("expected 2 records (zero price excluded), got %+v", a.Records)
	}
	want := map[string]float64{"BTCUSDT": 10, "ETHUSDT": -10}
	for _, r := range a.Records {
		if math.Abs(r.Pct-want[r.Symbol]) > 1e-9 {
			t.Errorf("%s pct = %v, want %v", r.Symbol, r.Pct, want[r.Symbol])
		}
	}
}

func TestTick_PreviousLapIsStale(t *testing.T) {
	ring := ringbuf.New(60)
	sink := &memSink{name: "mem"}
	task := newTask(t, ring, 10, sink)

	// Slot for t-10 last written one lap earlier (t-70).
	ring.Write(time.Unix(1_699_999_930, 0), map[string]float64{"BTCUSDT": 100})
	ring.Write(time.Unix(1_700_000_000, 0), map[string]float64{"BTCUSDT": 110})

	outcome, a, err := task.Tick(context.Background(), tickAt)
	if err != nil || a != nil || outcome != OutcomeStale {
		t.Fatalf("outcome=%s artifact=%v err=%v", outcome, a, err)
	}
	if sink.count() != 0 {
		t.Error("stale tick must not publish")
	}
}

func TestTick_CurrentSlotLappedIsStale(t *testing.T) {
	ring := ringbuf.New(60)
	task := newTask(t, ring, 10)

	// Writer died a minute ago: the current slot holds t-60.
	ring.Write(time.Unix(1_699_999_940, 0), map[string]float64{"BTCUSDT": 100})
	ring.Write(time.Unix(1_699_999_990, 0), map[string]float64{"BTCUSDT": 100})

	outcome, _, _ := task.Tick(context.Background(), tickAt)
	if outcome != OutcomeStale {
		t.Errorf("outcome = %s, want stale", outcome)
	}
}

func TestTick_SinkFailures(t *testing.T) {
	ring := ringbuf.New(60)
	ring.Write(time.Unix(1_699_999_990, 0), map[string]float64{"BTCUSDT": 100})
	ring.Write(time.Unix(1_700_000_000, 0), map[string]float64{"BTCUSDT": 101})

	bad := &memSink{name: "redis", err: errors.New("connection refused")}
	good := &memSink{name: "fs"}

	task := newTask(t, ring, 10, bad, good)
	var published []string
	task.OnPublish = func(sink string, _ time.Duration, err error) {
		if err == nil {
			published = append(published, sink)
		}
	}

	outcome, _, err := task.Tick(context.Background(), tickAt)
	if outcome != OutcomePublished {
		t.Errorf("one healthy sink: outcome = %s", outcome)
	}
	if err == nil {
		t.Error("expected the redis failure to be reported")
	}
	if len(published) != 1 || published[0] != "fs" {
		t.Errorf("published = %v", published)
	}

	allBad := newTask(t, ring, 10, bad)
	outcome, _, err = allBad.Tick(context.Background(), tickAt)
	if outcome != OutcomeError || err == nil {
		t.Errorf("all sinks failing: outcome=%s err=%v", outcome, err)
	}
}

func TestNew_RejectsIntervalOutsideRing(t *testing.T) {
	ring := ringbuf.New(60)
	for _, iv := range []int{0, -5, 60, 70} {
		if _, err := New(Config{Exchange: "binance", Interval: iv}, ring, nil, discard()); err == nil {
			t.Errorf("interval %d: expected error", iv)
		}
	}
	if _, err := New(Config{Exchange: "binance", Interval: 59}, ring, nil, discard()); err != nil {
		t.Errorf("interval 59: %v", err)
	}
}

func TestFirstDeadline(t *testing.T) {
	tests := []struct {
		now      time.Time
		interval time.Duration
		want     time.Time
	}{
		{time.Unix(1_700_000_003, 0), 10 * time.Second, time.Unix(1_700_000_010, 500_000_000)},
		{time.Unix(1_700_000_000, 0), 10 * time.Second, time.Unix(1_700_000_010, 500_000_000)},
		{time.Unix(1_700_000_009, 900_000_000), 10 * time.Second, time.Unix(1_700_000_010, 500_000_000)},
		// 1_700_000_000 = 7*242857142 + 6
		{time.Unix(1_700_000_000, 0), 7 * time.Second, time.Unix(1_700_000_001, 500_000_000)},
	}
	for _, tt := range tests {
		got := FirstDeadline(tt.now, tt.interval, DefaultSettle)
		if !got.Equal(tt.want) {
			t.Errorf("FirstDeadline(%v, %v) = %v, want %v", tt.now.Unix(), tt.interval, got.Unix(), tt.want.Unix())
		}
	}
}

func TestNextDeadline(t *testing.T) {
	d := time.Unix(1_700_000_010, 500_000_000)
	iv := 10 * time.Second

	next, skipped := NextDeadline(d, d.Add(20*time.Millisecond), iv)
	if skipped != 0 || !next.Equal(d.Add(iv)) {
		t.Errorf("on time: next=%v skipped=%d", next, skipped)
	}

	// Suspended for 35s: deadlines at +10, +20, +30 are skipped, +40 is next.
	next, skipped = NextDeadline(d, d.Add(35*time.Second), iv)
	if skipped != 3 || !next.Equal(d.Add(40*time.Second)) {
		t.Errorf("suspended: next=%v skipped=%d", next.Sub(d), skipped)
	}

	// Exactly on a later deadline: that one is already due, skip it too.
	next, skipped = NextDeadline(d, d.Add(10*time.Second), iv)
	if skipped != 1 || !next.Equal(d.Add(20*time.Second)) {
		t.Errorf("boundary: next=%v skipped=%d", next.Sub(d), skipped)
	}
}

func TestRun_PublishesFromLiveRing(t *testing.T) {
	ring := ringbuf.New(60)
	sink := &memSink{name: "mem"}
	task := newTask(t, ring, 1, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stand-in recorder: keeps every second's slot fresh.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				ring.Write(now, map[string]float64{"BTCUSDT": 100})
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no artifact published")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
