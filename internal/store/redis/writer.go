package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"pricediff/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 30 * time.Minute

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	LatestTTL time.Duration // TTL of the diff:<I>s:latest key (default 30m)
}

// Writer publishes diff artifacts to Redis. Each publish SETs the latest key
// and PUBLISHes the same payload in one pipeline.
type Writer struct {
	client *goredis.Client
	ttl    time.Duration
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.LatestTTL
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, ttl: ttl}, nil
}

// LatestKey is the key holding the newest artifact for exchange/interval.
func LatestKey(exchange string, interval int) string {
	return "diff:" + strconv.Itoa(interval) + "s:latest:" + exchange
}

// Channel is the PubSub channel artifacts are announced on.
func Channel(exchange string, interval int) string {
	return "pub:diff:" + strconv.Itoa(interval) + "s:" + exchange
}

// Name implements model.ResultSink.
func (w *Writer) Name() string { return "redis" }

// Publish implements model.ResultSink.
func (w *Writer) Publish(ctx context.Context, a *model.ResultArtifact) error {
	payload := string(a.JSON())

	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(a.Exchange, a.Interval), payload, w.ttl)
	pipe.Publish(ctx, Channel(a.Exchange, a.Interval), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %ds artifact: %w", a.Interval, err)
	}
	return nil
}

// ReadLatest implements model.ResultReader.
func (w *Writer) ReadLatest(ctx context.Context, exchange string, interval int) (*model.ResultArtifact, error) {
	data, err := w.client.Get(ctx, LatestKey(exchange, interval)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", LatestKey(exchange, interval), err)
	}

	a := &model.ResultArtifact{}
	if err := a.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	a.Exchange = exchange
	return a, nil
}

// Subscribe listens for artifact announcements on the given intervals.
// The caller must Close the returned PubSub.
func (w *Writer) Subscribe(ctx context.Context, exchange string, intervals []int) *goredis.PubSub {
	channels := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		channels = append(channels, Channel(exchange, iv))
	}
	return w.client.Subscribe(ctx, channels...)
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
