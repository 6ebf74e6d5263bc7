package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricediff/internal/model"
)

type fakeSink struct {
	mu        sync.Mutex
	fail      bool
	published []*model.ResultArtifact
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Publish(_ context.Context, a *model.ResultArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.published = append(f.published, a)
	return nil
}

func (f *fakeSink) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func artifact(interval int, sec int64) *model.ResultArtifact {
	return &model.ResultArtifact{Exchange: "binance", Interval: interval, PublishedAt: time.Unix(sec, 0)}
}

func TestBufferedSink_HoldsNewestWhileOpen(t *testing.T) {
	sink := &fakeSink{fail: true}
	cb, clk := newTestBreaker(1, time.Second)
	bs := NewBufferedSink(context.Background(), sink, cb)

	flushed := make(chan int, 1)
	bs.OnFlush = func(n int) { flushed <- n }

	if err := bs.Publish(context.Background(), artifact(10, 1)); err == nil {
		t.Fatal("expected the failing publish to surface its error")
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected Open, got %v", cb.CurrentState())
	}

	// Held back while open; only the newest per interval is kept.
	bs.Publish(context.Background(), artifact(10, 2))
	bs.Publish(context.Background(), artifact(10, 3))
	bs.Publish(context.Background(), artifact(30, 3))
	if got := bs.PendingCount(); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	sink.setFail(false)
	clk.advance(2 * time.Second)
	if err := bs.Publish(context.Background(), artifact(50, 4)); err != nil {
		t.Fatalf("probe publish: %v", err)
	}

	select {
	case n := <-flushed:
		if n != 2 {
			t.Errorf("expected 2 flushed, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not run after the circuit closed")
	}

	if sink.count() != 3 {
		t.Errorf("expected probe + 2 flushed publishes, got %d", sink.count())
	}
	for _, a := range sink.published {
		if a.Interval == 10 && a.PublishedAt.Unix() != 3 {
			t.Errorf("flushed stale 10s artifact from %v", a.PublishedAt)
		}
	}
}

func TestBufferedSink_PassThrough(t *testing.T) {
	sink := &fakeSink{}
	cb, _ := newTestBreaker(3, time.Second)
	bs := NewBufferedSink(context.Background(), sink, cb)

	if err := bs.Publish(context.Background(), artifact(10, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sink.count() != 1 || bs.PendingCount() != 0 {
		t.Errorf("expected direct publish, got published=%d pending=%d", sink.count(), bs.PendingCount())
	}
	if bs.Name() != "fake" {
		t.Errorf("name = %q", bs.Name())
	}
}

func TestBufferedSink_FlushNeverOverwritesNewer(t *testing.T) {
	sink := &fakeSink{}
	cb, _ := newTestBreaker(3, time.Second)
	bs := NewBufferedSink(context.Background(), sink, cb)

	var flushed []int
	bs.OnFlush = func(n int) { flushed = append(flushed, n) }

	if err := bs.Publish(context.Background(), artifact(10, 5)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A flush that picked up an older held artifact after a newer publish
	// went out must drop it.
	bs.hold(artifact(10, 3))
	bs.flush()
	if sink.count() != 1 {
		t.Fatalf("older held artifact was republished: %d publishes", sink.count())
	}

	// A held artifact newer than anything sent is still delivered.
	bs.hold(artifact(10, 7))
	bs.flush()
	if sink.count() != 2 {
		t.Fatalf("expected the newer held artifact to flush, got %d publishes", sink.count())
	}
	if last := sink.published[1]; last.PublishedAt.Unix() != 7 {
		t.Errorf("last published = %v, want the 7s artifact", last.PublishedAt)
	}
	if len(flushed) != 2 || flushed[0] != 0 || flushed[1] != 1 {
		t.Errorf("flush counts = %v, want [0 1]", flushed)
	}
	if bs.PendingCount() != 0 {
		t.Errorf("expected nothing pending, got %d", bs.PendingCount())
	}
}
