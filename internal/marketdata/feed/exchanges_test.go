package feed

import (
	"encoding/json"
	"testing"
)

func TestParseBinance(t *testing.T) {
	raw := []byte(`[
		{"e":"24hrTicker","s":"BTCUSDT","c":"62694.12"},
		{"e":"24hrTicker","s":"ETHBTC","c":"0.05"},
		{"e":"24hrTicker","s":"ETHUSDT","c":"3000.5"},
		{"e":"24hrTicker","s":"USDT","c":"1"}
	]`)
	prices, err := parseBinance(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 USDT pairs, got %v", prices)
	}
	if prices["BTCUSDT"] != 62694.12 || prices["ETHUSDT"] != 3000.5 {
		t.Errorf("unexpected prices %v", prices)
	}
}

func TestParseBinance_NonArrayAndGarbage(t *testing.T) {
	prices, err := parseBinance([]byte(`{"result":null,"id":1}`))
	if err != nil || prices != nil {
		t.Errorf("object frame: prices=%v err=%v", prices, err)
	}
	if _, err := parseBinance([]byte(`[{"s":`)); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestParseOKX(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"62694.1"},{"instId":"ETH-BTC","last":"0.05"}]}`)
	prices, err := parseOKX(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prices) != 1 || prices["BTCUSDT"] != 62694.1 {
		t.Errorf("unexpected prices %v", prices)
	}
}

func TestParseOKX_ControlFrames(t *testing.T) {
	for _, raw := range []string{
		`pong`,
		`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`,
	} {
		prices, err := parseOKX([]byte(raw))
		if err != nil || prices != nil {
			t.Errorf("%s: prices=%v err=%v", raw, prices, err)
		}
	}
	if _, err := parseOKX([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`)); err == nil {
		t.Error("expected error event to surface")
	}
}

func TestSubscribeOKX(t *testing.T) {
	msgs, err := subscribeOKX([]string{"BTCUSDT", "SOLUSDT"})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("msgs=%v err=%v", msgs, err)
	}
	var req struct {
		Op   string `json:"op"`
		Args []struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"args"`
	}
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Op != "subscribe" || len(req.Args) != 2 || req.Args[1].InstID != "SOL-USDT" || req.Args[0].Channel != "tickers" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestParseMAX(t *testing.T) {
	raw := []byte(`{"c":"ticker","M":"btcusdt","e":"update","tk":{"M":"btcusdt","o":"60000","c":"62694.1"},"T":1700000000000}`)
	prices, err := parseMAX(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if prices["BTCUSDT"] != 62694.1 {
		t.Errorf("unexpected prices %v", prices)
	}

	prices, err = parseMAX([]byte(`{"c":"ticker","M":"btctwd","e":"update","tk":{"c":"2000000"}}`))
	if err != nil || prices != nil {
		t.Errorf("non-USDT market: prices=%v err=%v", prices, err)
	}
	prices, err = parseMAX([]byte(`{"e":"subscribed","s":[{"channel":"ticker","market":"btcusdt"}]}`))
	if err != nil || prices != nil {
		t.Errorf("ack: prices=%v err=%v", prices, err)
	}
}

func TestSubscribeMAX(t *testing.T) {
	msgs, err := subscribeMAX([]string{"ETHUSDT"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := `{"action":"sub","subscriptions":[{"channel":"ticker","market":"ethusdt"}],"id":"pricediff"}`
	if string(msgs[0]) != want {
		t.Errorf("got %s\nwant %s", msgs[0], want)
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"binance", "OKX", "max"} {
		if _, ok := Lookup(name); !ok {
			t.Errorf("Lookup(%q) failed", name)
		}
	}
	if _, ok := Lookup("kraken"); ok {
		t.Error("kraken should not be registered")
	}
	names := Names()
	if len(names) != 3 || names[0] != "binance" {
		t.Errorf("Names() = %v", names)
	}
}
