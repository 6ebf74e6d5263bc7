package model

import (
	"encoding/json"
	"math"
	"time"
)

// Snapshot is the full price map of one exchange captured at a single instant.
// A Snapshot is never mutated after it has been handed to a store.
type Snapshot struct {
	ObservedAt time.Time
	Prices     map[string]float64
}

// Second returns the wall-clock second the snapshot belongs to.
func (s *Snapshot) Second() int64 {
	return s.ObservedAt.Unix()
}

type snapshotJSON struct {
	Timestamp float64            `json:"timestamp"`
	Prices    map[string]float64 `json:"prices"`
}

// MarshalJSON encodes the snapshot as {"timestamp": <unix seconds>, "prices": {...}}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	prices := s.Prices
	if prices == nil {
		prices = map[string]float64{}
	}
	return json.Marshal(snapshotJSON{
		Timestamp: UnixSeconds(s.ObservedAt),
		Prices:    prices,
	})
}

// UnmarshalJSON decodes the on-disk snapshot document.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ObservedAt = FromUnixSeconds(raw.Timestamp)
	s.Prices = raw.Prices
	if s.Prices == nil {
		s.Prices = map[string]float64{}
	}
	return nil
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds (microsecond precision).
func FromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}
