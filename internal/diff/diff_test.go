package diff

import (
	"math"
	"testing"

	"pricediff/internal/model"
)

const eps = 1e-9

func byName(records []model.DiffRecord) map[string]model.DiffRecord {
	m := make(map[string]model.DiffRecord, len(records))
	for _, r := range records {
		m[r.Symbol] = r
	}
	return m
}

func TestCompute_Scenario(t *testing.T) {
	old := map[string]float64{"BTCUSDT": 100.0, "ETHUSDT": 50.0}
	cur := map[string]float64{"BTCUSDT": 110.0, "ETHUSDT": 45.0}

	got := byName(Compute(old, cur))
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if r := got["BTCUSDT"]; math.Abs(r.Pct-10.0) > eps || r.Old != 100 || r.New != 110 {
		t.Errorf("BTCUSDT: got %+v, want pct=10", r)
	}
	if r := got["ETHUSDT"]; math.Abs(r.Pct+10.0) > eps || r.Old != 50 || r.New != 45 {
		t.Errorf("ETHUSDT: got %+v, want pct=-10", r)
	}
}

func TestCompute_ZeroOldPriceSkipped(t *testing.T) {
	got := Compute(map[string]float64{"X": 0.0}, map[string]float64{"X": 5.0})
	if len(got) != 0 {
		t.Fatalf("expected no records for zero old price, got %+v", got)
	}
}

func TestCompute_MissingSymbolSkipped(t *testing.T) {
	old := map[string]float64{"A": 1, "B": 2}
	cur := map[string]float64{"A": 2, "C": 3}

	got := Compute(old, cur)
	if len(got) != 1 || got[0].Symbol != "A" {
		t.Fatalf("expected only A, got %+v", got)
	}
}

func TestCompute_SortedBySymbol(t *testing.T) {
	prices := map[string]float64{"ZZZ": 1, "AAA": 1, "MMM": 1}
	got := Compute(prices, prices)
	for i := 1; i < len(got); i++ {
		if got[i-1].Symbol >= got[i].Symbol {
			t.Fatalf("records not sorted: %+v", got)
		}
	}
}

func TestCompute_Identity(t *testing.T) {
	prices := map[string]float64{"A": 1.5, "B": 0, "C": 1e-8, "D": 62694.12, "E": -3}
	got := byName(Compute(prices, prices))

	for sym, p := range prices {
		r, ok := got[sym]
		if p == 0 {
			if ok {
				t.Errorf("%s: zero price must produce no record", sym)
			}
			continue
		}
		if !ok {
			t.Errorf("%s: missing record", sym)
			continue
		}
		if r.Pct != 0 {
			t.Errorf("%s: expected pct=0, got %v", sym, r.Pct)
		}
	}
}

func TestCompute_SignAntisymmetry(t *testing.T) {
	a := map[string]float64{"A": 100, "B": 3.2, "C": 0.0007, "D": 10}
	b := map[string]float64{"A": 120, "B": 2.9, "C": 0.0009, "D": 10}

	fwd := byName(Compute(a, b))
	rev := byName(Compute(b, a))

	for sym := range a {
		f, r := fwd[sym], rev[sym]
		// pct(b,a) = -pct(a,b) * a/b
		want := -f.Pct * a[sym] / b[sym]
		if math.Abs(r.Pct-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Errorf("%s: reverse pct %v, want %v", sym, r.Pct, want)
		}
		if f.Pct != 0 && math.Signbit(f.Pct) == math.Signbit(r.Pct) {
			t.Errorf("%s: expected opposite signs, got %v and %v", sym, f.Pct, r.Pct)
		}
	}
}

func TestFilter_ThresholdAndOrder(t *testing.T) {
	records := []model.DiffRecord{
		{Symbol: "A", Pct: 0.1},
		{Symbol: "B", Pct: -2.0},
		{Symbol: "C", Pct: 0.5},
		{Symbol: "D", Pct: 1.5},
		{Symbol: "E", Pct: -0.49},
	}

	got := Filter(records, 0.5, 0)
	want := []string{"B", "D", "C"}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %+v", len(want), got)
	}
	for i, sym := range want {
		if got[i].Symbol != sym {
			t.Errorf("position %d: got %s, want %s", i, got[i].Symbol, sym)
		}
	}
	if records[0].Symbol != "A" || records[1].Symbol != "B" {
		t.Error("Filter must not reorder its input")
	}
}

func TestFilter_TopN(t *testing.T) {
	records := []model.DiffRecord{
		{Symbol: "A", Pct: 5}, {Symbol: "B", Pct: -6}, {Symbol: "C", Pct: 7}, {Symbol: "D", Pct: 1},
	}
	got := Filter(records, 0, 2)
	if len(got) != 2 || got[0].Symbol != "C" || got[1].Symbol != "B" {
		t.Fatalf("unexpected top 2: %+v", got)
	}
}

func TestFilter_TiesBySymbol(t *testing.T) {
	records := []model.DiffRecord{{Symbol: "B", Pct: 1}, {Symbol: "A", Pct: -1}}
	got := Filter(records, 0, 0)
	if got[0].Symbol != "A" || got[1].Symbol != "B" {
		t.Fatalf("expected symbol order on ties, got %+v", got)
	}
}

func TestFilter_Completeness(t *testing.T) {
	old := map[string]float64{}
	cur := map[string]float64{}
	for i := 0; i < 200; i++ {
		sym := string(rune('A'+i%26)) + string(rune('a'+i/26))
		old[sym] = float64(i + 1)
		cur[sym] = float64(i+1) * (1 + float64(i%13-6)/100)
	}
	all := Compute(old, cur)

	for _, threshold := range []float64{0, 0.5, 1, 2.5, 6, 10} {
		got := Filter(all, threshold, 0)
		kept := byName(got)

		for _, r := range got {
			if math.Abs(r.Pct) < threshold {
				t.Errorf("threshold %v: record %s has |pct| %v", threshold, r.Symbol, r.Pct)
			}
		}
		for _, r := range all {
			if math.Abs(r.Pct) >= threshold {
				if _, ok := kept[r.Symbol]; !ok {
					t.Errorf("threshold %v: %s (pct %v) missing from filtered output", threshold, r.Symbol, r.Pct)
				}
			}
		}
	}
}
