// Package feed connects to an exchange's public ticker websocket and turns
// each frame into a model.PriceUpdate.
//
// Decoding is per exchange (see exchanges.go); the connection loop is shared:
// dial, send the exchange's subscribe messages, read until error, reconnect
// with exponential backoff.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"pricediff/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the feed client.
type Config struct {
	Exchange Exchange

	// URL overrides Exchange.URL, e.g. "ws://localhost:9001/ws" for cmd/feedsim.
	URL string

	// Symbols to subscribe on exchanges that need it. Defaults to DefaultSymbols.
	Symbols []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// ReadTimeout drops a connection that has been silent this long.
	// Defaults to 60s.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = c.Exchange.URL
	}
	if len(c.Symbols) == 0 {
		c.Symbols = DefaultSymbols
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
}

// Client streams price updates from one exchange.
type Client struct {
	cfg Config

	// Optional hooks.
	OnConnect     func()
	OnDisconnect  func(err error)
	OnReconnect   func()
	OnDecodeError func(err error)
}

// New creates a new Client. Returns an error if the exchange has no decoder
// or the URL is unparseable.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if cfg.Exchange.Parse == nil {
		return nil, fmt.Errorf("feed: exchange %q has no decoder", cfg.Exchange.Name)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed: url %q is not a websocket url", cfg.URL)
	}
	return &Client{cfg: cfg}, nil
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string { return c.cfg.URL }

// Start connects and streams updates into out. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (c *Client) Start(ctx context.Context, out chan<- model.PriceUpdate) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := c.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		if connected {
			// A session that got as far as reading resets the backoff.
			delay = c.cfg.ReconnectDelay
		}

		log.Printf("[feed] %s disconnected (%v), reconnecting in %s...", c.cfg.Exchange.Name, err, delay)
		if c.OnDisconnect != nil {
			c.OnDisconnect(err)
		}
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. connected reports whether the dial and subscribe succeeded.
func (c *Client) runOnce(ctx context.Context, out chan<- model.PriceUpdate) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msg []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	if c.cfg.Exchange.Subscribe != nil {
		msgs, err := c.cfg.Exchange.Subscribe(c.cfg.Symbols)
		if err != nil {
			return false, fmt.Errorf("build subscribe: %w", err)
		}
		for _, m := range msgs {
			if err := write(m); err != nil {
				return false, fmt.Errorf("subscribe: %w", err)
			}
		}
	}

	log.Printf("[feed] connected to %s", c.cfg.URL)
	if c.OnConnect != nil {
		c.OnConnect()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closes the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		<-sessionCtx.Done()
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		writeMu.Unlock()
		conn.Close()
	}()

	if c.cfg.Exchange.Ping != nil && c.cfg.Exchange.PingEvery > 0 {
		go func() {
			ticker := time.NewTicker(c.cfg.Exchange.PingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-sessionCtx.Done():
					return
				case <-ticker.C:
					if err := write(c.cfg.Exchange.Ping); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		prices, err := c.cfg.Exchange.Parse(raw)
		if err != nil {
			if c.OnDecodeError != nil {
				c.OnDecodeError(err)
			} else {
				log.Printf("[feed] %s decode error: %v", c.cfg.Exchange.Name, err)
			}
			continue
		}
		if len(prices) == 0 {
			continue
		}

		upd := model.PriceUpdate{
			Exchange:   c.cfg.Exchange.Name,
			Prices:     prices,
			ReceivedAt: time.Now(),
		}
		select {
		case out <- upd:
		case <-ctx.Done():
			return true, nil
		}
	}
}

// ErrNoExchange is returned by Resolve for an unregistered exchange name.
var ErrNoExchange = errors.New("feed: unknown exchange")

// Resolve looks up name and builds a client config with the optional URL
// override and watch list.
func Resolve(name, urlOverride string, symbols []string) (Config, error) {
	ex, ok := Lookup(name)
	if !ok {
		return Config{}, fmt.Errorf("%w %q (known: %v)", ErrNoExchange, name, Names())
	}
	return Config{Exchange: ex, URL: urlOverride, Symbols: symbols}, nil
}
