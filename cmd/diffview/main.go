// cmd/diffview prints the latest published diffs for an exchange, filtered by
// threshold and sorted by |pct|. It reads the same stores pricediff writes:
//
//	diffview -source fs -results-dir . -intervals 10,30
//	diffview -source sqlite -sqlite-path data/pricediff.db
//	diffview -source redis -redis-addr localhost:6379 -follow
//
// Defaults come from the PRICEDIFF_* environment (and .env), like pricediff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"pricediff/config"
	"pricediff/internal/diff"
	"pricediff/internal/model"
	"pricediff/internal/notification"
	fsstore "pricediff/internal/store/fs"
	redisstore "pricediff/internal/store/redis"
	sqlitestore "pricediff/internal/store/sqlite"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type options struct {
	source    string
	exchange  string
	intervals []int
	threshold float64
	top       int
	follow    bool
	poll      time.Duration
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "diffview: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg, err := envDefaults(".env")
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("diffview", flag.ContinueOnError)
	var (
		opts      options
		intervals string
	)
	fs.StringVar(&opts.source, "source", "fs", "artifact source: fs, sqlite or redis")
	fs.StringVar(&opts.exchange, "exchange", cfg.Exchange, "exchange key")
	fs.StringVar(&intervals, "intervals", joinInts(cfg.AnalysisIntervals), "comma-separated intervals, seconds")
	fs.Float64Var(&opts.threshold, "threshold", cfg.ThresholdPct, "minimum |pct| shown")
	fs.IntVar(&opts.top, "top", cfg.TopN, "rows per interval (0 = all)")
	fs.BoolVar(&opts.follow, "follow", false, "keep printing as new artifacts arrive")
	fs.DurationVar(&opts.poll, "poll", time.Second, "poll period for -follow on fs and sqlite")
	resultsDir := fs.String("results-dir", cfg.ResultsDir, "directory holding results_<I>s/")
	sqlitePath := fs.String("sqlite-path", cfg.SQLitePath, "SQLite database path")
	redisAddr := fs.String("redis-addr", cfg.RedisAddr, "Redis address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ivs, err := config.ParseIntervals(intervals)
	if err != nil {
		return err
	}
	if len(ivs) == 0 {
		return fmt.Errorf("no intervals given")
	}
	opts.intervals = ivs
	opts.exchange = strings.ToLower(opts.exchange)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch opts.source {
	case "fs":
		return view(ctx, out, fsstore.NewResultSink(*resultsDir), opts)

	case "sqlite":
		if *sqlitePath == "" {
			return fmt.Errorf("-sqlite-path is required for the sqlite source")
		}
		r, err := sqlitestore.NewReader(*sqlitePath)
		if err != nil {
			return err
		}
		defer r.Close()
		return view(ctx, out, r, opts)

	case "redis":
		if *redisAddr == "" {
			return fmt.Errorf("-redis-addr is required for the redis source")
		}
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:     *redisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer w.Close()
		if opts.follow {
			if err := printLatest(ctx, out, w, opts); err != nil {
				return err
			}
			return followRedis(ctx, out, w, opts)
		}
		return printLatest(ctx, out, w, opts)

	default:
		return fmt.Errorf("unknown source %q (want fs, sqlite or redis)", opts.source)
	}
}

// envDefaults loads envFile, if present, and the PRICEDIFF_* environment
// over the built-in defaults.
func envDefaults(envFile string) (*config.Config, error) {
	cfg := config.Default()
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	if err := envconfig.Process(config.EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// view prints the current artifacts once, or polls for new ones with -follow.
func view(ctx context.Context, out io.Writer, src model.ResultReader, opts options) error {
	if !opts.follow {
		return printLatest(ctx, out, src, opts)
	}

	seen := make(map[int]time.Time, len(opts.intervals))
	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for {
		for _, iv := range opts.intervals {
			a, err := src.ReadLatest(ctx, opts.exchange, iv)
			if err != nil {
				return err
			}
			if a == nil || a.PublishedAt.Equal(seen[iv]) {
				continue
			}
			seen[iv] = a.PublishedAt
			if err := render(out, a, opts.threshold, opts.top); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printLatest(ctx context.Context, out io.Writer, src model.ResultReader, opts options) error {
	for _, iv := range opts.intervals {
		a, err := src.ReadLatest(ctx, opts.exchange, iv)
		if err != nil {
			return err
		}
		if a == nil {
			fmt.Fprintf(out, "%s %ds: no result yet\n\n", opts.exchange, iv)
			continue
		}
		if err := render(out, a, opts.threshold, opts.top); err != nil {
			return err
		}
	}
	return nil
}

// followRedis renders every artifact announced on the pub/sub channels.
func followRedis(ctx context.Context, out io.Writer, w *redisstore.Writer, opts options) error {
	sub := w.Subscribe(ctx, opts.exchange, opts.intervals)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var a model.ResultArtifact
			if err := a.UnmarshalJSON([]byte(msg.Payload)); err != nil {
				fmt.Fprintf(os.Stderr, "diffview: bad payload on %s: %v\n", msg.Channel, err)
				continue
			}
			a.Exchange = opts.exchange
			if err := render(out, &a, opts.threshold, opts.top); err != nil {
				return err
			}
		}
	}
}

// render writes one artifact as an aligned table.
func render(out io.Writer, a *model.ResultArtifact, threshold float64, top int) error {
	rows := diff.Filter(a.Records, threshold, top)

	fmt.Fprintf(out, "%s %ds @ %s  (%d of %d symbols, |pct| >= %g)\n",
		a.Exchange, a.Interval, a.PublishedAt.UTC().Format("15:04:05"),
		len(rows), len(a.Records), threshold)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SYMBOL\tOLD\tNEW\tPCT\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%.8g\t%.8g\t%s\t\n", r.Symbol, r.Old, r.New, notification.FormatPct(r.Pct))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out)
	return err
}

func joinInts(ivs []int) string {
	parts := make([]string, len(ivs))
	for i, iv := range ivs {
		parts[i] = fmt.Sprint(iv)
	}
	return strings.Join(parts, ",")
}
