// Package fs implements the snapshot ring and the result sink on a local
// filesystem, so that writer and analyzer processes can share them.
//
// Layout:
//
//	<snap root>/<exchange>/snap_<NN>/snapshot.json
//	<results root>/results_<I>s/<exchange>/result.json
//
// Every file is replaced with write-to-temp + rename.
package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"pricediff/internal/model"
	"pricediff/internal/ringbuf"
)

const snapshotFile = "snapshot.json"

// SnapshotStore is a ring of snapshot files under an exchange-scoped root.
type SnapshotStore struct {
	root  string
	depth int
}

// NewSnapshotStore creates the store rooted at <snapDir>/<exchange> and makes
// sure the root exists.
func NewSnapshotStore(snapDir, exchange string, depth int) (*SnapshotStore, error) {
	if depth <= 0 {
		depth = ringbuf.DefaultDepth
	}
	root := filepath.Join(snapDir, exchange)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot root %s: %w", root, err)
	}
	log.Printf("[fs] snapshot ring at %s (depth=%d)", root, depth)
	return &SnapshotStore{root: root, depth: depth}, nil
}

// Root returns the exchange-scoped snapshot directory.
func (s *SnapshotStore) Root() string { return s.root }

// Depth returns the number of slots.
func (s *SnapshotStore) Depth() int { return s.depth }

// SlotPath returns the snapshot file path for slot.
func (s *SnapshotStore) SlotPath(slot int) string {
	return filepath.Join(s.root, fmt.Sprintf("snap_%02d", slot), snapshotFile)
}

// Write stores the snapshot for ts into slot floor(ts) mod depth.
func (s *SnapshotStore) Write(ts time.Time, prices map[string]float64) error {
	data, err := json.Marshal(model.Snapshot{ObservedAt: ts, Prices: prices})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	slot := ringbuf.SlotFor(ts, s.depth)
	if err := writeFileAtomic(s.SlotPath(slot), data, 0o644); err != nil {
		return fmt.Errorf("write slot %02d: %w", slot, err)
	}
	return nil
}

// Read loads the snapshot in slot. A slot that was never written is reported
// as ok=false with a nil error.
func (s *SnapshotStore) Read(slot int) (*model.Snapshot, bool, error) {
	if slot < 0 || slot >= s.depth {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.SlotPath(slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read slot %02d: %w", slot, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode slot %02d: %w", slot, err)
	}
	return &snap, true, nil
}
