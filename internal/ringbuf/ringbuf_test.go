package ringbuf

import (
	"sync"
	"testing"
	"time"
)

func TestRing_WriteRead(t *testing.T) {
	r := New(DefaultDepth)

	ts := time.Unix(1_700_000_005, 0)
	if err := r.Write(ts, map[string]float64{"BTCUSDT": 100}); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, ok, err := r.Read(SlotFor(ts, r.Depth()))
	if err != nil || !ok {
		t.Fatalf("expected snapshot, ok=%v err=%v", ok, err)
	}
	if snap.Prices["BTCUSDT"] != 100 {
		t.Errorf("expected 100, got %v", snap.Prices["BTCUSDT"])
	}
	if !snap.ObservedAt.Equal(ts) {
		t.Errorf("ObservedAt = %v, want %v", snap.ObservedAt, ts)
	}
}

func TestRing_EmptySlotAbsent(t *testing.T) {
	r := New(DefaultDepth)
	for i := 0; i < r.Depth(); i++ {
		if _, ok, _ := r.Read(i); ok {
			t.Fatalf("slot %d should be empty", i)
		}
	}
	if _, ok, _ := r.Read(-1); ok {
		t.Fatal("negative slot should be absent")
	}
	if _, ok, _ := r.Read(r.Depth()); ok {
		t.Fatal("out of range slot should be absent")
	}
}

func TestRing_AliasingKeepsNewest(t *testing.T) {
	r := New(DefaultDepth)
	first := time.Unix(1_700_000_010, 0)
	second := first.Add(60 * time.Second)
	k := SlotFor(first, r.Depth())

	if SlotFor(second, r.Depth()) != k {
		t.Fatalf("expected %v and %v to share slot %d", first, second, k)
	}

	r.Write(first, map[string]float64{"X": 1})

	snap, ok, _ := r.Read(k)
	if !ok || snap.Prices["X"] != 1 || !snap.ObservedAt.Equal(first) {
		t.Fatalf("expected first snapshot unchanged, got %+v", snap)
	}

	r.Write(second, map[string]float64{"X": 2})

	snap2, ok, _ := r.Read(k)
	if !ok || snap2.Prices["X"] != 2 || !snap2.ObservedAt.Equal(second) {
		t.Fatalf("expected second snapshot, got %+v", snap2)
	}
	// The earlier reader's view is untouched.
	if snap.Prices["X"] != 1 {
		t.Fatalf("superseded snapshot was mutated: %+v", snap)
	}
	if r.Overwrites() != 1 || r.Writes() != 2 {
		t.Errorf("writes=%d overwrites=%d, want 2/1", r.Writes(), r.Overwrites())
	}
}

func TestRing_WriteCopiesPrices(t *testing.T) {
	r := New(DefaultDepth)
	ts := time.Unix(1_700_000_000, 0)
	prices := map[string]float64{"A": 1}
	r.Write(ts, prices)
	prices["A"] = 99

	snap, _, _ := r.Read(SlotFor(ts, r.Depth()))
	if snap.Prices["A"] != 1 {
		t.Fatalf("ring shares caller map: got %v", snap.Prices["A"])
	}
}

func TestRing_ConcurrentWriterReaders(t *testing.T) {
	r := New(DefaultDepth)
	base := time.Unix(1_700_000_000, 0)
	const writes = 5000

	var wg sync.WaitGroup
	done := make(chan struct{})

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for i := 0; i < r.Depth(); i++ {
					snap, ok, _ := r.Read(i)
					if !ok {
						continue
					}
					// A snapshot is consistent when its price equals its second.
					if snap.Prices["S"] != float64(snap.Second()) {
						t.Errorf("torn snapshot in slot %d: %+v", i, snap)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < writes; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		r.Write(ts, map[string]float64{"S": float64(ts.Unix())})
	}
	close(done)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("readers did not stop")
	}
}

func TestSlotFor(t *testing.T) {
	cases := []struct {
		unix  int64
		depth int
		want  int
	}{
		{0, 60, 0}, {59, 60, 59}, {60, 60, 0}, {125, 60, 5}, {1_700_000_007, 60, 27}, {-1, 60, 59},
	}
	for _, tc := range cases {
		got := SlotFor(time.Unix(tc.unix, 0), tc.depth)
		if got != tc.want {
			t.Errorf("SlotFor(%d, %d) = %d, want %d", tc.unix, tc.depth, got, tc.want)
		}
	}
}
