package features

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

const barsPerSession = 75 // 09:15 to 15:30 in 5-minute bars

// syntheticCandles builds n consecutive session bars across as many
// trading days as needed, with a gentle drift and fixed intrabar range
func syntheticCandles(n int, base float64) []types.Candle {
	out := make([]types.Candle, 0, n)
	day := time.Date(2024, 3, 11, 9, 15, 0, 0, market.IST())
	price := base
	for i := 0; i < n; i++ {
		if i > 0 && i%barsPerSession == 0 {
			day = day.AddDate(0, 0, 1)
		}
		bar := day.Add(time.Duration(i%barsPerSession) * 5 * time.Minute)

		drift := 0.8
		if i%7 == 3 || i%11 == 5 {
			drift = -1.2
		}
		open := price
		closePx := price + drift
		hi := math.Max(open, closePx) + 4
		lo := math.Min(open, closePx) - 4
		out = append(out, types.Candle{
			Timestamp: bar,
			Open:      open,
			High:      hi,
			Low:       lo,
			Close:     closePx,
			Volume:    int64(100 + i%40),
		})
		price = closePx
	}
	return out
}

func testChain(fetched time.Time, spot float64) *types.OptionChain {
	rows := []types.OptionChainRow{
		{Strike: spot - 100, Call: types.OptionQuote{OI: 1000, IV: 14, Delta: 0.8}, Put: types.OptionQuote{OI: 2200, IV: 15, Delta: -0.2}},
		{Strike: spot - 50, Call: types.OptionQuote{OI: 1500, IV: 13.5, Delta: 0.65}, Put: types.OptionQuote{OI: 2000, IV: 14.2, Delta: -0.35}},
		{Strike: spot, Call: types.OptionQuote{Bid: 98, Ask: 102, OI: 3000, IV: 13, Delta: 0.5}, Put: types.OptionQuote{Bid: 95, Ask: 99, OI: 3300, IV: 13.4, Delta: -0.5}},
		{Strike: spot + 50, Call: types.OptionQuote{OI: 2600, IV: 12.8, Delta: 0.35}, Put: types.OptionQuote{OI: 1800, IV: 13.1, Delta: -0.65}},
		{Strike: spot + 100, Call: types.OptionQuote{OI: 2100, IV: 12.5, Delta: 0.2}, Put: types.OptionQuote{OI: 1400, IV: 12.9, Delta: -0.8}},
	}
	return &types.OptionChain{Underlying: "NIFTY", Expiry: "2024-03-14", FetchedAt: fetched, Spot: spot, Rows: rows}
}

func TestSchemaComplete(t *testing.T) {
	if len(Names) != Count {
		t.Fatalf("schema has %d names, want %d", len(Names), Count)
	}
	seen := make(map[string]bool, Count)
	for _, n := range Names {
		if seen[n] {
			t.Errorf("duplicate feature name %q", n)
		}
		seen[n] = true
	}
}

func TestMinWindowBoundary(t *testing.T) {
	e := NewEngineer()
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())

	if _, _, err := e.Compute("NIFTY", syntheticCandles(199, 22000), nil, now); err != ErrInsufficientData {
		t.Errorf("199 candles: err = %v, want ErrInsufficientData", err)
	}
	if _, _, err := e.Compute("NIFTY", syntheticCandles(200, 22000), nil, now); err != nil {
		t.Errorf("200 candles: err = %v, want nil", err)
	}
}

func TestComputeIsPure(t *testing.T) {
	candles := syntheticCandles(240, 22000)
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())
	chain := testChain(now, 22000)

	a, _, err := NewEngineer().Compute("NIFTY", candles, chain, now)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := NewEngineer().Compute("NIFTY", candles, chain, now)
	if err != nil {
		t.Fatal(err)
	}

	av, bv := a.Values(), b.Values()
	for i := range av {
		if av[i] != bv[i] {
			t.Errorf("slot %s differs across identical runs: %v vs %v", Names[i], av[i], bv[i])
		}
	}
}

func TestNoNaNOrInfinity(t *testing.T) {
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())

	v, _, err := NewEngineer().Compute("NIFTY", syntheticCandles(240, 22000), testChain(now, 22000), now)
	if err != nil {
		t.Fatal(err)
	}
	for i, val := range v.Values() {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			t.Errorf("feature %s is not finite: %v", Names[i], val)
		}
	}

	// A dead-flat market exercises every zero-denominator path
	flat := syntheticCandles(240, 22000)
	for i := range flat {
		flat[i].Open, flat[i].High, flat[i].Low, flat[i].Close = 22000, 22000, 22000, 22000
		flat[i].Volume = 0
	}
	v, _, err = NewEngineer().Compute("NIFTY", flat, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	for i, val := range v.Values() {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			t.Errorf("flat-market feature %s is not finite: %v", Names[i], val)
		}
	}
}

func TestOptionsSentinelsWhenNoChain(t *testing.T) {
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())

	v, _, err := NewEngineer().Compute("NIFTY", syntheticCandles(240, 22000), nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if !v.OptionsStale {
		t.Error("no chain ever seen: OptionsStale should be true")
	}
	if v.Get("pcr") != 0 || v.Get("iv_rank") != 0 {
		t.Errorf("sentinel options features = pcr %v, iv_rank %v, want 0", v.Get("pcr"), v.Get("iv_rank"))
	}
	if v.Get("l2_options") != 0.5 {
		t.Errorf("l2_options on sentinels = %v, want 0.5", v.Get("l2_options"))
	}
}

func TestOptionsChainCaching(t *testing.T) {
	e := NewEngineer()
	candles := syntheticCandles(240, 22000)
	t0 := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())
	chain := testChain(t0, 22000)

	v1, _, err := e.Compute("NIFTY", candles, chain, t0)
	if err != nil {
		t.Fatal(err)
	}
	if v1.OptionsStale {
		t.Fatal("fresh chain marked stale")
	}
	wantPCR := (2200.0 + 2000 + 3300 + 1800 + 1400) / (1000.0 + 1500 + 3000 + 2600 + 2100)
	if math.Abs(v1.Get("pcr")-wantPCR) > 1e-9 {
		t.Errorf("pcr = %v, want %v", v1.Get("pcr"), wantPCR)
	}

	// Chain omitted two minutes later: cached snapshot still serves
	v2, _, err := e.Compute("NIFTY", candles, nil, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if v2.OptionsStale {
		t.Error("cached chain within freshness window marked stale")
	}
	if v2.Get("pcr") != v1.Get("pcr") {
		t.Errorf("cached pcr = %v, want %v", v2.Get("pcr"), v1.Get("pcr"))
	}

	// Beyond five minutes the cache no longer counts
	v3, _, err := e.Compute("NIFTY", candles, nil, t0.Add(6*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !v3.OptionsStale {
		t.Error("chain older than five minutes should be stale")
	}
}

func TestQualityScoreWeights(t *testing.T) {
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())
	v, _, err := NewEngineer().Compute("NIFTY", syntheticCandles(240, 22000), testChain(now, 22000), now)
	if err != nil {
		t.Fatal(err)
	}

	want := 0.25*v.Get("l1_structure") +
		0.20*v.Get("l2_options") +
		0.20*v.Get("l3_technical") +
		0.20*v.Get("l4_blocking") +
		0.15*v.Get("l5_mtf")
	if math.Abs(v.Get("quality_score")-want) > 1e-9 {
		t.Errorf("quality_score = %v, want %v", v.Get("quality_score"), want)
	}
	for _, name := range []string{"l1_structure", "l2_options", "l3_technical", "l4_blocking", "l5_mtf", "quality_score"} {
		if s := v.Get(name); s < 0 || s > 1 {
			t.Errorf("%s = %v, want within [0,1]", name, s)
		}
	}
}

func TestCPRLevelsFromPreviousDay(t *testing.T) {
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())
	candles := syntheticCandles(240, 22000)

	_, levels, err := NewEngineer().Compute("NIFTY", candles, nil, now)
	if err != nil {
		t.Fatal(err)
	}

	// Recompute previous-day HLC by hand
	session := sessionSlice(candles)
	prior := candles[:len(candles)-len(session)]
	lastDay := prior[len(prior)-1].Timestamp.In(market.IST())
	y, m, d := lastDay.Date()
	hi, lo := 0.0, math.MaxFloat64
	closePx := prior[len(prior)-1].Close
	for i := len(prior) - 1; i >= 0; i-- {
		cy, cm, cd := prior[i].Timestamp.In(market.IST()).Date()
		if cy != y || cm != m || cd != d {
			break
		}
		hi = math.Max(hi, prior[i].High)
		lo = math.Min(lo, prior[i].Low)
	}

	wantPivot := (hi + lo + closePx) / 3
	if math.Abs(levels.Pivot-wantPivot) > 1e-9 {
		t.Errorf("pivot = %v, want %v", levels.Pivot, wantPivot)
	}
	if levels.BC > levels.TC {
		t.Error("BC must not exceed TC")
	}
	if levels.PrevHigh != hi || levels.PrevLow != lo || levels.PrevClose != closePx {
		t.Errorf("prev day HLC = %v/%v/%v, want %v/%v/%v",
			levels.PrevHigh, levels.PrevLow, levels.PrevClose, hi, lo, closePx)
	}
}

func TestStructureBreakFlag(t *testing.T) {
	now := time.Date(2024, 3, 13, 11, 0, 0, 0, market.IST())
	candles := syntheticCandles(240, 22000)

	// Force the last close far above the prior 20-bar envelope
	last := &candles[len(candles)-1]
	last.Close = last.Close + 500
	last.High = last.Close + 4

	v, _, err := NewEngineer().Compute("NIFTY", candles, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if v.Get("structure_break_up") != 1 {
		t.Error("breakout close should set structure_break_up")
	}
	if v.Get("structure_break_down") != 0 {
		t.Error("breakout close must not set structure_break_down")
	}
}

func TestSetRejectsNaN(t *testing.T) {
	var v Vector
	v.Set("atr_14", math.NaN())
	if v.Get("atr_14") != 0 {
		t.Error("NaN must collapse to the 0.0 sentinel")
	}
	v.Set("atr_14", math.Inf(1))
	if v.Get("atr_14") != 0 {
		t.Error("infinity must collapse to the 0.0 sentinel")
	}
}

func TestUnknownNamePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Set with unknown name must panic")
		}
	}()
	var v Vector
	v.Set("no_such_feature", 1)
}

func TestVectorJSONRoundTrip(t *testing.T) {
	var v Vector
	v.Set("atr_14", 17.5)
	v.Set("rsi_14", 58)
	v.Set("quality_score", 0.61)

	data, err := json.Marshal(&v)
	if err != nil {
		t.Fatal(err)
	}
	var back Vector
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Get("atr_14") != 17.5 || back.Get("rsi_14") != 58 || back.Get("quality_score") != 0.61 {
		t.Error("round-tripped vector lost values")
	}
}

func TestMarketPhaseBuckets(t *testing.T) {
	if got := marketPhase(9*60 + 20); got != 0 {
		t.Errorf("09:20 phase = %v, want OPEN", got)
	}
	if got := marketPhase(12 * 60); got != 1 {
		t.Errorf("12:00 phase = %v, want MID", got)
	}
	if got := marketPhase(15 * 60); got != 2 {
		t.Errorf("15:00 phase = %v, want CLOSE", got)
	}
}
