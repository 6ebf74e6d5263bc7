package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the recorder and schedulers from the concrete
// stores (in-memory ring, filesystem, Redis, SQLite).

// SnapshotWriter stores a price snapshot into the slot derived from ts.
type SnapshotWriter interface {
	// Write stores Snapshot{ObservedAt: ts, Prices: prices} into slot
	// floor(ts) mod Depth, superseding whatever occupied it.
	Write(ts time.Time, prices map[string]float64) error
}

// SnapshotReader reads ring slots.
type SnapshotReader interface {
	// Read returns the snapshot in slot, or ok=false if the slot was never written.
	Read(slot int) (snap *Snapshot, ok bool, err error)

	// Depth returns the number of slots in the ring.
	Depth() int
}

// SnapshotStore is the ring buffer abstraction shared by the writer and the
// interval schedulers.
type SnapshotStore interface {
	SnapshotWriter
	SnapshotReader
}

// ResultSink publishes the latest artifact for an interval, atomically
// replacing the previous one.
type ResultSink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Publish replaces the stored artifact for a.Exchange / a.Interval.
	Publish(ctx context.Context, a *ResultArtifact) error
}

// ResultReader loads the latest published artifact for an interval.
// Returns nil, nil if nothing was published yet.
type ResultReader interface {
	ReadLatest(ctx context.Context, exchange string, interval int) (*ResultArtifact, error)
}
