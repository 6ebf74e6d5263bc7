package bus

import (
	"context"
	"testing"
	"time"

	"pricediff/internal/model"
)

func update(sym string, price float64) model.PriceUpdate {
	return model.PriceUpdate{
		Exchange:   "binance",
		Prices:     map[string]float64{sym: price},
		ReceivedAt: time.Now(),
	}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("recorder")
	out2 := fo.Subscribe("focus")

	input := make(chan model.PriceUpdate, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- update("BTCUSDT", 100)

	for name, out := range map[string]<-chan model.PriceUpdate{"recorder": out1, "focus": out2} {
		select {
		case u := <-out:
			if u.Prices["BTCUSDT"] != 100 {
				t.Errorf("%s: expected BTCUSDT=100, got %v", name, u.Prices)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for update", name)
		}
	}
}

func TestFanOut_DropsForSlowConsumer(t *testing.T) {
	fo := New(1)
	fast := fo.Subscribe("fast")
	_ = fo.Subscribe("slow")

	dropped := make(chan string, 10)
	fo.OnDrop = func(name string) { dropped <- name }

	input := make(chan model.PriceUpdate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	for i := 0; i < 3; i++ {
		input <- update("ETHUSDT", float64(i))
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatal("fast consumer starved")
		}
	}

	select {
	case name := <-dropped:
		if name != "slow" {
			t.Errorf("expected drop for slow, got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a drop callback")
	}
}

func TestFanOut_ClosesOutputsOnInputClose(t *testing.T) {
	fo := New(1)
	out := fo.Subscribe("recorder")

	input := make(chan model.PriceUpdate)
	done := make(chan struct{})
	go func() {
		fo.Run(context.Background(), input)
		close(done)
	}()
	close(input)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after input closed")
	}
	if _, ok := <-out; ok {
		t.Error("expected output channel to be closed")
	}
}

func TestFanOut_ChannelStats(t *testing.T) {
	fo := New(4)
	fo.Subscribe("recorder")
	fo.Subscribe("focus")

	stats := fo.ChannelStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 stats, got %d", len(stats))
	}
	if stats[1].Name != "focus" || stats[1].Cap != 4 || stats[1].Len != 0 {
		t.Errorf("unexpected stat %+v", stats[1])
	}
}
