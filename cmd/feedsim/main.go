// cmd/feedsim is a demo exchange websocket for running pricediff without a
// network connection. It broadcasts Binance-shaped !ticker@arr frames:
//
//	[{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"43210.12"}, ...]
//
// Point pricediff at it with -exchange binance -stream-url ws://localhost:9001/ws.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default ":9001")
//	FEEDSIM_SYMBOLS      comma-separated symbols (default: the pricediff defaults)
//	FEEDSIM_INTERVAL_MS  broadcast interval in milliseconds (default 250)
//	FEEDSIM_CHANGED_PCT  share of symbols sent per frame, 1-100 (default 60)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pricediff/internal/marketdata/feed"

	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
)

type simConfig struct {
	Addr       string   `envconfig:"ADDR" default:":9001"`
	Symbols    []string `envconfig:"SYMBOLS"`
	IntervalMs int      `envconfig:"INTERVAL_MS" default:"250"`
	ChangedPct int      `envconfig:"CHANGED_PCT" default:"60"`
}

// tickerMsg carries the fields of a Binance 24hr ticker that pricediff reads.
type tickerMsg struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

type instrument struct {
	Symbol string
	Price  float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop frame
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Drain client frames so close and ping control messages are handled.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Ticker generator ─────────────────────────────────────────────────────────

// walkPrice applies a random walk of up to ±0.2%.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.4 - 0.2) / 100.0
	next := price * (1 + pct)
	if next < 0.0001 {
		next = 0.0001
	}
	return next
}

// frame advances a random subset of instruments and encodes them as one
// !ticker@arr array. Only moved symbols are included, as on the real stream.
func frame(rng *rand.Rand, instruments []instrument, changedPct int, now time.Time) ([]byte, error) {
	msgs := make([]tickerMsg, 0, len(instruments))
	for i := range instruments {
		if rng.Intn(100) >= changedPct {
			continue
		}
		instruments[i].Price = walkPrice(rng, instruments[i].Price)
		msgs = append(msgs, tickerMsg{
			Event:     "24hrTicker",
			EventTime: now.UnixMilli(),
			Symbol:    instruments[i].Symbol,
			Close:     strconv.FormatFloat(instruments[i].Price, 'f', 8, 64),
		})
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return json.Marshal(msgs)
}

func runGenerator(h *hub, instruments []instrument, cfg simConfig) {
	ticker := time.NewTicker(time.Duration(cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for now := range ticker.C {
		b, err := frame(rng, instruments, cfg.ChangedPct, now)
		if err != nil || b == nil {
			continue
		}
		h.broadcast(b)
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting demo ticker server...")

	var cfg simConfig
	if err := envconfig.Process("FEEDSIM", &cfg); err != nil {
		log.Fatalf("[feedsim] config: %v", err)
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = feed.DefaultSymbols
	}
	if cfg.IntervalMs <= 0 {
		log.Fatalf("[feedsim] FEEDSIM_INTERVAL_MS must be positive")
	}
	if cfg.ChangedPct < 1 || cfg.ChangedPct > 100 {
		cfg.ChangedPct = 100
	}

	instruments := parseInstruments(cfg.Symbols)
	log.Printf("[feedsim] symbols: %d, broadcast interval: %dms", len(instruments), cfg.IntervalMs)

	h := newHub()
	go runGenerator(h, instruments, cfg)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] listening on %s (WebSocket: ws://localhost%s/ws)", cfg.Addr, cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// startPrices seeds well-known symbols near realistic levels.
var startPrices = map[string]float64{
	"BTCUSDT": 43000,
	"ETHUSDT": 2300,
	"BNBUSDT": 310,
	"SOLUSDT": 95,
	"XRPUSDT": 0.55,
}

func parseInstruments(symbols []string) []instrument {
	out := make([]instrument, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		price := startPrices[s]
		if price == 0 {
			price = 10
		}
		out = append(out, instrument{Symbol: s, Price: price})
	}
	return out
}
