package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"pricediff/internal/model"
)

const resultFile = "result.json"

// ResultSink publishes artifacts to <root>/results_<I>s/<exchange>/result.json.
type ResultSink struct {
	root string
}

// NewResultSink creates a sink rooted at dir ("." for the working directory).
func NewResultSink(dir string) *ResultSink {
	if dir == "" {
		dir = "."
	}
	return &ResultSink{root: dir}
}

// Name implements model.ResultSink.
func (s *ResultSink) Name() string { return "fs" }

// Dir returns the directory holding the artifact for exchange and interval.
func (s *ResultSink) Dir(exchange string, interval int) string {
	return filepath.Join(s.root, "results_"+strconv.Itoa(interval)+"s", exchange)
}

// Path returns the artifact path for exchange and interval.
func (s *ResultSink) Path(exchange string, interval int) string {
	return filepath.Join(s.Dir(exchange, interval), resultFile)
}

// Prepare creates the result directories for every interval up front.
func (s *ResultSink) Prepare(exchange string, intervals []int) error {
	for _, iv := range intervals {
		if err := os.MkdirAll(s.Dir(exchange, iv), 0o755); err != nil {
			return fmt.Errorf("results dir for %ds: %w", iv, err)
		}
	}
	return nil
}

// Publish atomically replaces the artifact for a.Exchange / a.Interval.
func (s *ResultSink) Publish(ctx context.Context, a *model.ResultArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	return writeFileAtomic(s.Path(a.Exchange, a.Interval), data, 0o644)
}

// ReadLatest loads the current artifact. Returns nil, nil if none exists.
func (s *ResultSink) ReadLatest(_ context.Context, exchange string, interval int) (*model.ResultArtifact, error) {
	data, err := os.ReadFile(s.Path(exchange, interval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var a model.ResultArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	a.Exchange = exchange
	return &a, nil
}
