package feed

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// QuoteCurrency is the only quote kept by every decoder.
const QuoteCurrency = "USDT"

// DefaultSymbols is the watch list for exchanges that need an explicit
// per-market subscription.
var DefaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "TRXUSDT", "LTCUSDT", "LINKUSDT",
}

// Exchange describes one venue's public ticker stream.
type Exchange struct {
	Name string
	URL  string

	// Subscribe builds the messages sent right after connecting. Nil means
	// the URL alone selects the stream.
	Subscribe func(symbols []string) ([][]byte, error)

	// Parse decodes one frame into {symbol: last price}, keeping only
	// QuoteCurrency pairs. Control frames (acks, pongs) return nil, nil.
	Parse func(raw []byte) (map[string]float64, error)

	// Ping, when set, is written as a text frame every PingEvery.
	Ping      []byte
	PingEvery time.Duration
}

var registry = map[string]Exchange{
	"binance": {
		Name:  "binance",
		URL:   "wss://stream.binance.com:9443/ws/!ticker@arr",
		Parse: parseBinance,
	},
	"okx": {
		Name:      "okx",
		URL:       "wss://ws.okx.com:8443/ws/v5/public",
		Subscribe: subscribeOKX,
		Parse:     parseOKX,
		Ping:      []byte("ping"),
		PingEvery: 25 * time.Second,
	},
	"max": {
		Name:      "max",
		URL:       "wss://max-stream.maicoin.com/ws",
		Subscribe: subscribeMAX,
		Parse:     parseMAX,
	},
}

// Lookup returns the registered exchange for name.
func Lookup(name string) (Exchange, bool) {
	ex, ok := registry[strings.ToLower(name)]
	return ex, ok
}

// Names lists registered exchanges in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func isQuote(symbol string) bool {
	return strings.HasSuffix(symbol, QuoteCurrency) && len(symbol) > len(QuoteCurrency)
}

func invalid(raw []byte) error {
	if len(raw) > 64 {
		raw = raw[:64]
	}
	return fmt.Errorf("invalid JSON frame %q", raw)
}

// ── Binance ──
// [{"e":"24hrTicker","s":"BTCUSDT","c":"62694.12",...}, ...]

func parseBinance(raw []byte) (map[string]float64, error) {
	if !gjson.ValidBytes(raw) {
		return nil, invalid(raw)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, nil
	}

	prices := make(map[string]float64)
	root.ForEach(func(_, t gjson.Result) bool {
		sym := t.Get("s").String()
		if !isQuote(sym) {
			return true
		}
		if c := t.Get("c"); c.Exists() {
			prices[sym] = c.Float()
		}
		return true
	})
	return prices, nil
}

// ── OKX ──
// {"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"62694.1",...}]}

func okxInstID(symbol string) string {
	return strings.TrimSuffix(symbol, QuoteCurrency) + "-" + QuoteCurrency
}

func subscribeOKX(symbols []string) ([][]byte, error) {
	type arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}
	req := struct {
		Op   string `json:"op"`
		Args []arg  `json:"args"`
	}{Op: "subscribe"}
	for _, s := range symbols {
		req.Args = append(req.Args, arg{Channel: "tickers", InstID: okxInstID(s)})
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func parseOKX(raw []byte) (map[string]float64, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, invalid(raw)
	}
	if ev := gjson.GetBytes(raw, "event"); ev.Exists() {
		if ev.String() == "error" {
			return nil, fmt.Errorf("okx error %s: %s",
				gjson.GetBytes(raw, "code").String(), gjson.GetBytes(raw, "msg").String())
		}
		return nil, nil
	}

	data := gjson.GetBytes(raw, "data")
	if !data.IsArray() {
		return nil, nil
	}
	prices := make(map[string]float64)
	data.ForEach(func(_, t gjson.Result) bool {
		sym := strings.ReplaceAll(t.Get("instId").String(), "-", "")
		if !isQuote(sym) {
			return true
		}
		if last := t.Get("last"); last.Exists() {
			prices[sym] = last.Float()
		}
		return true
	})
	return prices, nil
}

// ── MAX ──
// {"c":"ticker","M":"btcusdt","e":"update","tk":{"c":"62694.1",...},"T":...}

func subscribeMAX(symbols []string) ([][]byte, error) {
	type sub struct {
		Channel string `json:"channel"`
		Market  string `json:"market"`
	}
	req := struct {
		Action        string `json:"action"`
		Subscriptions []sub  `json:"subscriptions"`
		ID            string `json:"id"`
	}{Action: "sub", ID: "pricediff"}
	for _, s := range symbols {
		req.Subscriptions = append(req.Subscriptions, sub{Channel: "ticker", Market: strings.ToLower(s)})
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func parseMAX(raw []byte) (map[string]float64, error) {
	if !gjson.ValidBytes(raw) {
		return nil, invalid(raw)
	}
	if e := gjson.GetBytes(raw, "e").String(); e == "error" {
		return nil, fmt.Errorf("max error: %s", gjson.GetBytes(raw, "E").Raw)
	}
	if gjson.GetBytes(raw, "c").String() != "ticker" {
		return nil, nil
	}
	sym := strings.ToUpper(gjson.GetBytes(raw, "M").String())
	last := gjson.GetBytes(raw, "tk.c")
	if !isQuote(sym) || !last.Exists() {
		return nil, nil
	}
	return map[string]float64{sym: last.Float()}, nil
}
