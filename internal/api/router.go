// Package api serves the latest published diffs over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"pricediff/internal/diff"
	"pricediff/internal/model"
)

// resultDTO is the JSON shape of GET /api/v1/results.
type resultDTO struct {
	Exchange  string      `json:"exchange"`
	Interval  int         `json:"interval"`
	Timestamp float64     `json:"timestamp"`
	Total     int         `json:"total"`
	Records   []recordDTO `json:"records"`
}

type recordDTO struct {
	Symbol string  `json:"symbol"`
	Old    float64 `json:"old"`
	New    float64 `json:"new"`
	Pct    float64 `json:"pct"`
}

// NewRouter sets up the read-only results API for one exchange:
//
//	GET /api/v1/health     (health, when non-nil; same document as /healthz)
//	GET /api/v1/intervals
//	GET /api/v1/results?interval=10[&threshold=0.5][&top=20]
//
// threshold and top default to the given values; records are sorted by
// |pct| descending.
func NewRouter(results model.ResultReader, health http.Handler, exchange string, intervals []int, threshold float64, top int) *http.ServeMux {
	mux := http.NewServeMux()
	known := make(map[int]bool, len(intervals))
	for _, iv := range intervals {
		known[iv] = true
	}

	if health != nil {
		mux.Handle("/api/v1/health", health)
	}

	mux.HandleFunc("/api/v1/intervals", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"exchange": exchange, "intervals": intervals})
	})

	mux.HandleFunc("/api/v1/results", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}
		q := r.URL.Query()

		iv, err := strconv.Atoi(q.Get("interval"))
		if err != nil || !known[iv] {
			writeError(w, http.StatusBadRequest, "interval must be one of the configured analysis intervals")
			return
		}
		th := threshold
		if s := q.Get("threshold"); s != "" {
			if th, err = strconv.ParseFloat(s, 64); err != nil || th < 0 {
				writeError(w, http.StatusBadRequest, "invalid threshold")
				return
			}
		}
		n := top
		if s := q.Get("top"); s != "" {
			if n, err = strconv.Atoi(s); err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid top")
				return
			}
		}

		a, err := results.ReadLatest(r.Context(), exchange, iv)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if a == nil {
			writeError(w, http.StatusNotFound, "no result published yet")
			return
		}

		rows := diff.Filter(a.Records, th, n)
		out := resultDTO{
			Exchange:  exchange,
			Interval:  a.Interval,
			Timestamp: model.UnixSeconds(a.PublishedAt),
			Total:     len(a.Records),
			Records:   make([]recordDTO, len(rows)),
		}
		for i, rec := range rows {
			out.Records[i] = recordDTO{Symbol: rec.Symbol, Old: rec.Old, New: rec.New, Pct: rec.Pct}
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
