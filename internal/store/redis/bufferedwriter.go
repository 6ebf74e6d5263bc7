package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pricediff/internal/model"
)

type pendingKey struct {
	exchange string
	interval int
}

// BufferedSink wraps a ResultSink with a circuit breaker. While the circuit
// is open only the newest artifact per exchange/interval is held back, since
// an older artifact is superseded anyway. Pending artifacts are flushed when
// the circuit closes again, unless a newer artifact for the same key has
// already gone out.
type BufferedSink struct {
	sink model.ResultSink
	cb   *CircuitBreaker
	ctx  context.Context

	mu      sync.Mutex
	pending map[pendingKey]*model.ResultArtifact

	// sendMu serializes writes to sink and guards sent, the PublishedAt of
	// the newest artifact delivered per key.
	sendMu sync.Mutex
	sent   map[pendingKey]time.Time

	// Callbacks
	OnBuffer func()          // called when an artifact is held back (for metrics)
	OnFlush  func(count int) // called after flushing held-back artifacts
}

// NewBufferedSink creates a BufferedSink wrapping sink. ctx bounds the
// background flushes.
func NewBufferedSink(ctx context.Context, sink model.ResultSink, cb *CircuitBreaker) *BufferedSink {
	bs := &BufferedSink{
		sink:    sink,
		cb:      cb,
		ctx:     ctx,
		pending: make(map[pendingKey]*model.ResultArtifact),
		sent:    make(map[pendingKey]time.Time),
	}

	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bs.flush()
		}
	}

	return bs
}

// Name implements model.ResultSink.
func (bs *BufferedSink) Name() string { return bs.sink.Name() }

// Publish sends a through the circuit breaker. If the circuit is open the
// artifact is held back and nil is returned.
func (bs *BufferedSink) Publish(ctx context.Context, a *model.ResultArtifact) error {
	key := pendingKey{a.Exchange, a.Interval}

	bs.sendMu.Lock()
	defer bs.sendMu.Unlock()

	err := bs.cb.Execute(func() error {
		return bs.sink.Publish(ctx, a)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bs.hold(a)
		return nil
	}
	if err == nil {
		bs.markSent(key, a.PublishedAt)
		bs.mu.Lock()
		if p, ok := bs.pending[key]; ok && !p.PublishedAt.After(a.PublishedAt) {
			delete(bs.pending, key)
		}
		bs.mu.Unlock()
	}
	return err
}

// markSent records t as delivered for key. Callers hold sendMu.
func (bs *BufferedSink) markSent(key pendingKey, t time.Time) {
	if t.After(bs.sent[key]) {
		bs.sent[key] = t
	}
}

func (bs *BufferedSink) hold(a *model.ResultArtifact) {
	bs.mu.Lock()
	bs.pending[pendingKey{a.Exchange, a.Interval}] = a
	bs.mu.Unlock()

	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// flush republishes every held-back artifact that is still the newest for
// its key.
func (bs *BufferedSink) flush() {
	bs.mu.Lock()
	if len(bs.pending) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.pending
	bs.pending = make(map[pendingKey]*model.ResultArtifact)
	bs.mu.Unlock()

	flushed := 0
	for key, a := range toFlush {
		if bs.flushOne(key, a) {
			flushed++
		}
	}

	log.Printf("[buffered-sink] flushed %d held-back artifacts", flushed)
	if bs.OnFlush != nil {
		bs.OnFlush(flushed)
	}
}

func (bs *BufferedSink) flushOne(key pendingKey, a *model.ResultArtifact) bool {
	bs.sendMu.Lock()
	defer bs.sendMu.Unlock()

	if !a.PublishedAt.After(bs.sent[key]) {
		log.Printf("[buffered-sink] skip %ds artifact from %s: newer one already sent", a.Interval, a.PublishedAt.Format(time.RFC3339))
		return false
	}
	if err := bs.sink.Publish(bs.ctx, a); err != nil {
		log.Printf("[buffered-sink] flush %ds artifact: %v", a.Interval, err)
		return false
	}
	bs.markSent(key, a.PublishedAt)
	return true
}

// PendingCount returns the number of artifacts waiting to be flushed.
func (bs *BufferedSink) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.pending)
}
