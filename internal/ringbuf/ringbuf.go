// Package ringbuf provides the in-memory snapshot ring: a fixed number of
// slots indexed by wall-clock second modulo depth. Each slot is an atomic
// pointer, so the single writer never waits on readers and readers never
// observe a half-built snapshot.
package ringbuf

import (
	"sync/atomic"
	"time"

	"pricediff/internal/model"
)

// DefaultDepth is the number of one-second slots kept in the ring.
const DefaultDepth = 60

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// slot holds the current snapshot of one ring position. Padded so adjacent
// slots written by the recorder do not share a cache line with slots being
// read by the schedulers.
type slot struct {
	snap atomic.Pointer[model.Snapshot]
	_    [cacheLine - 8]byte
}

// Ring is a lock-free snapshot ring buffer. Safe for one writer and any
// number of concurrent readers.
type Ring struct {
	slots []slot

	// Overwrites counts writes that superseded an existing snapshot.
	overwrites atomic.Uint64
	writes     atomic.Uint64
}

// New creates a ring with depth slots. depth <= 0 selects DefaultDepth.
func New(depth int) *Ring {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Ring{slots: make([]slot, depth)}
}

// SlotFor returns floor(unix seconds of ts) mod depth.
func SlotFor(ts time.Time, depth int) int {
	s := ts.Unix() % int64(depth)
	if s < 0 {
		s += int64(depth)
	}
	return int(s)
}

// Write publishes Snapshot{ObservedAt: ts, Prices: prices} into its slot.
// The prices map is copied so callers may keep mutating their own map.
// Never blocks.
func (r *Ring) Write(ts time.Time, prices map[string]float64) error {
	cp := make(map[string]float64, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	snap := &model.Snapshot{ObservedAt: ts, Prices: cp}

	if old := r.slots[SlotFor(ts, len(r.slots))].snap.Swap(snap); old != nil {
		r.overwrites.Add(1)
	}
	r.writes.Add(1)
	return nil
}

// Read returns the snapshot currently occupying slot. ok is false if the slot
// has never been written. The returned snapshot must not be mutated.
func (r *Ring) Read(slot int) (*model.Snapshot, bool, error) {
	if slot < 0 || slot >= len(r.slots) {
		return nil, false, nil
	}
	snap := r.slots[slot].snap.Load()
	if snap == nil {
		return nil, false, nil
	}
	return snap, true, nil
}

// Depth returns the number of slots.
func (r *Ring) Depth() int {
	return len(r.slots)
}

// Writes returns the total number of snapshots written.
func (r *Ring) Writes() uint64 {
	return r.writes.Load()
}

// Overwrites returns how many writes replaced an existing snapshot.
func (r *Ring) Overwrites() uint64 {
	return r.overwrites.Load()
}
