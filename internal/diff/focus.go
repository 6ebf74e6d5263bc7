package diff

import (
	"time"

	"pricediff/internal/model"
)

// FocusTracker compares one symbol's price against its own previous
// observation. It keeps the previous price and time locally instead of
// reading the snapshot ring, and compares at most once per Spacing.
type FocusTracker struct {
	Symbol  string
	Spacing time.Duration

	prevPrice float64
	prevAt    time.Time
	seeded    bool
}

// NewFocusTracker creates a tracker for symbol with the given minimum spacing.
func NewFocusTracker(symbol string, spacing time.Duration) *FocusTracker {
	return &FocusTracker{Symbol: symbol, Spacing: spacing}
}

// Observe feeds the latest price seen at ts. It returns a record when a
// comparison was made: the first observation only seeds state, and
// observations closer than Spacing to the previous comparison are ignored.
// After a comparison the observation becomes the new baseline.
func (f *FocusTracker) Observe(price float64, ts time.Time) (model.DiffRecord, bool) {
	if !f.seeded {
		f.prevPrice, f.prevAt, f.seeded = price, ts, true
		return model.DiffRecord{}, false
	}
	if ts.Sub(f.prevAt) < f.Spacing {
		return model.DiffRecord{}, false
	}

	old := f.prevPrice
	f.prevPrice, f.prevAt = price, ts

	pct, ok := Pct(old, price)
	if !ok {
		return model.DiffRecord{}, false
	}
	return model.DiffRecord{Symbol: f.Symbol, Old: old, New: price, Pct: pct}, true
}

// Reset forgets the baseline; the next observation seeds again.
func (f *FocusTracker) Reset() {
	f.seeded = false
	f.prevPrice = 0
	f.prevAt = time.Time{}
}
