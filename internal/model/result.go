package model

import (
	"encoding/json"
	"time"
)

// DiffRecord is the old/new/percentage triple for one symbol.
type DiffRecord struct {
	Symbol string  `json:"-"`
	Old    float64 `json:"old"`
	New    float64 `json:"new"`
	Pct    float64 `json:"pct"`
}

// ResultArtifact is the latest comparison output for one interval.
type ResultArtifact struct {
	Exchange    string
	Interval    int // seconds
	PublishedAt time.Time
	Records     []DiffRecord
}

type artifactJSON struct {
	Timestamp float64               `json:"timestamp"`
	Interval  int                   `json:"interval"`
	Data      map[string]DiffRecord `json:"data"`
}

// MarshalJSON encodes the artifact as
// {"timestamp": <unix seconds>, "interval": <s>, "data": {sym: {old,new,pct}}}.
// The exchange is implied by the artifact's location and is not serialized.
func (a ResultArtifact) MarshalJSON() ([]byte, error) {
	data := make(map[string]DiffRecord, len(a.Records))
	for _, r := range a.Records {
		data[r.Symbol] = r
	}
	return json.Marshal(artifactJSON{
		Timestamp: UnixSeconds(a.PublishedAt),
		Interval:  a.Interval,
		Data:      data,
	})
}

// UnmarshalJSON decodes a result document. Records come back in map order;
// callers that present them sort explicitly.
func (a *ResultArtifact) UnmarshalJSON(b []byte) error {
	var raw artifactJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	a.PublishedAt = FromUnixSeconds(raw.Timestamp)
	a.Interval = raw.Interval
	a.Records = make([]DiffRecord, 0, len(raw.Data))
	for sym, r := range raw.Data {
		r.Symbol = sym
		a.Records = append(a.Records, r)
	}
	return nil
}

// JSON returns the encoded artifact (ignoring errors for hot-path usage).
func (a *ResultArtifact) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
