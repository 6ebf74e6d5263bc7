// Package diff computes percentage price changes between two snapshots.
package diff

import (
	"math"
	"sort"

	"pricediff/internal/model"
)

// Pct returns (newPrice-oldPrice)/oldPrice*100. ok is false when oldPrice is
// zero and the change is undefined.
func Pct(oldPrice, newPrice float64) (float64, bool) {
	if oldPrice == 0 {
		return 0, false
	}
	return (newPrice - oldPrice) / oldPrice * 100, true
}

// Compute returns one record per symbol present in old that is also present in
// new and has a nonzero old price. Records are sorted by symbol.
func Compute(old, new map[string]float64) []model.DiffRecord {
	records := make([]model.DiffRecord, 0, len(old))
	for sym, oldPrice := range old {
		newPrice, ok := new[sym]
		if !ok {
			continue
		}
		pct, ok := Pct(oldPrice, newPrice)
		if !ok {
			continue
		}
		records = append(records, model.DiffRecord{
			Symbol: sym,
			Old:    oldPrice,
			New:    newPrice,
			Pct:    pct,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Symbol < records[j].Symbol })
	return records
}

// Filter keeps records with |Pct| >= threshold, ordered by |Pct| descending
// (symbol ascending on ties), truncated to topN when topN > 0.
// The input slice is not modified.
func Filter(records []model.DiffRecord, threshold float64, topN int) []model.DiffRecord {
	out := make([]model.DiffRecord, 0, len(records))
	for _, r := range records {
		if math.Abs(r.Pct) >= threshold {
			out = append(out, r)
		}
	}
	SortByMagnitude(out)
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// SortByMagnitude sorts records in place by |Pct| descending.
func SortByMagnitude(records []model.DiffRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ai, aj := math.Abs(records[i].Pct), math.Abs(records[j].Pct)
		if ai != aj {
			return ai > aj
		}
		return records[i].Symbol < records[j].Symbol
	})
}
