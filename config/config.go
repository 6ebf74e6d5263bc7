// Package config loads service configuration. Sources are layered, later
// ones winning: built-in defaults, the YAML file, .env and the process
// environment (PRICEDIFF_*), then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"pricediff/internal/logger"
	"pricediff/internal/marketdata/feed"
	"pricediff/internal/ringbuf"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. PRICEDIFF_EXCHANGE.
const EnvPrefix = "PRICEDIFF"

// Roles.
const (
	RoleAll      = "all"
	RoleWriter   = "writer"
	RoleAnalyzer = "analyzer"
)

// Snapshot stores.
const (
	StoreFS     = "fs"
	StoreMemory = "memory"
)

var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidValue    = errors.New("invalid value")
	ErrRoleStore       = errors.New("role requires the filesystem store")
)

// Config holds all service configuration.
type Config struct {
	Exchange   string `yaml:"exchange" envconfig:"EXCHANGE"`
	SnapDir    string `yaml:"snap_dir" envconfig:"SNAP_DIR"`
	ResultsDir string `yaml:"results_dir" envconfig:"RESULTS_DIR"`
	Store      string `yaml:"store" envconfig:"STORE"`
	Role       string `yaml:"role" envconfig:"ROLE"`

	SnapInterval      int     `yaml:"snap_interval" envconfig:"SNAP_INTERVAL"`
	AnalysisIntervals []int   `yaml:"analysis_intervals" envconfig:"ANALYSIS_INTERVALS"`
	ThresholdPct      float64 `yaml:"threshold_pct" envconfig:"THRESHOLD_PCT"`
	TopN              int     `yaml:"top_n" envconfig:"TOP_N"`
	StaleAfter        int     `yaml:"stale_after" envconfig:"STALE_AFTER"`

	Focus           string `yaml:"focus" envconfig:"FOCUS"`
	FocusInterval   int    `yaml:"focus_interval" envconfig:"FOCUS_INTERVAL"`
	AlertsPerMinute int    `yaml:"alerts_per_minute" envconfig:"ALERTS_PER_MINUTE"`

	StreamURL string   `yaml:"stream_url" envconfig:"STREAM_URL"`
	Symbols   []string `yaml:"symbols" envconfig:"SYMBOLS"`

	// Optional sinks. Empty disables.
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`
	SQLitePath    string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`

	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`

	// Focus alert channels.
	WebhookURL       string `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
	TelegramBotToken string `yaml:"telegram_bot_token" envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `yaml:"telegram_chat_id" envconfig:"TELEGRAM_CHAT_ID"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Exchange:          "binance",
		SnapDir:           "snapshots",
		ResultsDir:        ".",
		Store:             StoreFS,
		Role:              RoleAll,
		SnapInterval:      1,
		AnalysisIntervals: []int{10, 30, 50},
		ThresholdPct:      0.5,
		TopN:              20,
		StaleAfter:        10,
		FocusInterval:     20,
		AlertsPerMinute:   6,
		MetricsAddr:       ":9090",
		LogLevel:          "info",
	}
}

// Load builds the configuration from args (without the program name) and
// the environment, then validates it. flag.ErrHelp is returned for -h.
func Load(args []string) (*Config, error) {
	return load("pricediff", args, os.Stderr)
}

func load(name string, args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		configPath = fs.String("config", "config.yaml", "YAML config file (missing file is ignored)")
		envFile    = fs.String("env-file", ".env", "dotenv file (missing file is ignored)")

		exchange    = fs.String("exchange", "", "exchange key ("+strings.Join(feed.Names(), ", ")+")")
		snapDir     = fs.String("snap-dir", "", "snapshot ring directory")
		resultsDir  = fs.String("results-dir", "", "directory holding results_<I>s/")
		store       = fs.String("store", "", "snapshot store: fs or memory")
		role        = fs.String("role", "", "all, writer or analyzer")
		interval    = fs.Int("interval", 0, "snapshot write interval, seconds")
		intervals   = fs.String("intervals", "", "comma-separated analysis intervals, seconds")
		threshold   = fs.Float64("threshold", 0, "minimum |pct| shown in logs and alerts")
		top         = fs.Int("top", 0, "movers shown per tick (0 = all)")
		focus       = fs.String("focus", "", "single symbol to watch, e.g. BTCUSDT")
		focusIv     = fs.Int("focus-interval", 0, "seconds between focus comparisons")
		streamURL   = fs.String("stream-url", "", "override the exchange websocket URL")
		metricsAddr = fs.String("metrics-addr", "", "metrics and health listen address (\"off\" disables)")
		logLevel    = fs.String("log-level", "", "debug, info, warn or error")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	if err := cfg.loadYAML(*configPath); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "exchange":
			cfg.Exchange = *exchange
		case "snap-dir":
			cfg.SnapDir = *snapDir
		case "results-dir":
			cfg.ResultsDir = *resultsDir
		case "store":
			cfg.Store = *store
		case "role":
			cfg.Role = *role
		case "interval":
			cfg.SnapInterval = *interval
		case "intervals":
			ivs, err := ParseIntervals(*intervals)
			if err != nil {
				flagErr = err
				return
			}
			cfg.AnalysisIntervals = ivs
		case "threshold":
			cfg.ThresholdPct = *threshold
		case "top":
			cfg.TopN = *top
		case "focus":
			cfg.Focus = *focus
		case "focus-interval":
			cfg.FocusInterval = *focusIv
		case "stream-url":
			cfg.StreamURL = *streamURL
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
			if cfg.MetricsAddr == "off" {
				cfg.MetricsAddr = ""
			}
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	c.Focus = strings.ToUpper(strings.TrimSpace(c.Focus))
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// ParseIntervals parses "10,30,50" into seconds.
func ParseIntervals(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: interval %q", ErrInvalidInterval, p)
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if _, ok := feed.Lookup(c.Exchange); !ok {
		return fmt.Errorf("%w %q (known: %s)", ErrUnknownExchange, c.Exchange, strings.Join(feed.Names(), ", "))
	}

	switch c.Store {
	case StoreFS, StoreMemory:
	default:
		return fmt.Errorf("%w: store %q (want fs or memory)", ErrInvalidValue, c.Store)
	}
	switch c.Role {
	case RoleAll:
	case RoleWriter, RoleAnalyzer:
		// Split processes only share snapshots through the filesystem.
		if c.Store != StoreFS {
			return fmt.Errorf("%w: role %s with store %s", ErrRoleStore, c.Role, c.Store)
		}
	default:
		return fmt.Errorf("%w: role %q (want all, writer or analyzer)", ErrInvalidValue, c.Role)
	}

	depth := ringbuf.DefaultDepth
	if c.SnapInterval < 1 || c.SnapInterval >= depth {
		return fmt.Errorf("%w: snap_interval %d must be in [1, %d)", ErrInvalidInterval, c.SnapInterval, depth)
	}

	if c.Role != RoleWriter && len(c.AnalysisIntervals) == 0 {
		return fmt.Errorf("%w: no analysis intervals", ErrInvalidInterval)
	}
	seen := make(map[int]bool, len(c.AnalysisIntervals))
	for _, iv := range c.AnalysisIntervals {
		if iv <= 0 || iv >= depth {
			return fmt.Errorf("%w: %ds must be in (0, %d)", ErrInvalidInterval, iv, depth)
		}
		if iv%c.SnapInterval != 0 {
			return fmt.Errorf("%w: %ds is not a multiple of snap_interval %ds", ErrInvalidInterval, iv, c.SnapInterval)
		}
		if seen[iv] {
			return fmt.Errorf("%w: %ds listed twice", ErrInvalidInterval, iv)
		}
		seen[iv] = true
	}

	if c.ThresholdPct < 0 {
		return fmt.Errorf("%w: threshold_pct %v is negative", ErrInvalidValue, c.ThresholdPct)
	}
	if c.TopN < 0 {
		return fmt.Errorf("%w: top_n %d is negative", ErrInvalidValue, c.TopN)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale_after %d must be positive", ErrInvalidValue, c.StaleAfter)
	}
	if c.Focus != "" && c.FocusInterval <= 0 {
		return fmt.Errorf("%w: focus_interval %d must be positive", ErrInvalidInterval, c.FocusInterval)
	}
	if c.AlertsPerMinute < 1 {
		return fmt.Errorf("%w: alerts_per_minute %d must be at least 1", ErrInvalidValue, c.AlertsPerMinute)
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == "" {
		return fmt.Errorf("%w: telegram_bot_token set without telegram_chat_id", ErrInvalidValue)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// RunsWriter reports whether this process records snapshots.
func (c *Config) RunsWriter() bool { return c.Role != RoleAnalyzer }

// RunsAnalyzer reports whether this process runs the interval schedulers.
func (c *Config) RunsAnalyzer() bool { return c.Role != RoleWriter }

// SnapEvery is the snapshot write interval.
func (c *Config) SnapEvery() time.Duration { return time.Duration(c.SnapInterval) * time.Second }

// StaleAfterDuration is how old the newest update may be before writes stop.
func (c *Config) StaleAfterDuration() time.Duration {
	return time.Duration(c.StaleAfter) * time.Second
}

// FocusSpacing is the minimum time between focus comparisons.
func (c *Config) FocusSpacing() time.Duration {
	return time.Duration(c.FocusInterval) * time.Second
}
