package features

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/AK47-U/Nifty-OB/internal/indicators"
	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

// MinCandles is the smallest window Compute accepts
const MinCandles = 200

// chainMaxAge is how long a cached option-chain snapshot stays usable
const chainMaxAge = 5 * time.Minute

// ErrInsufficientData is returned when the candle window is too short
var ErrInsufficientData = errors.New("insufficient candle history for feature computation")

// Engineer computes the fixed-schema feature vector from a candle window
// plus an optional option-chain snapshot. It caches the most recent chain
// so options features survive short gaps in chain availability.
type Engineer struct {
	mu        sync.Mutex
	lastChain *types.OptionChain
}

func NewEngineer() *Engineer {
	return &Engineer{}
}

// LastChain returns the most recent chain snapshot Compute has seen,
// or nil before the first successful fetch
func (e *Engineer) LastChain() *types.OptionChain {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastChain
}

// Compute builds the 74-slot vector and the intraday level set. The
// candle window must hold at least MinCandles bars; only the most recent
// MinCandles are used. A nil chain falls back to the cached snapshot;
// snapshots older than chainMaxAge produce sentinel options features and
// set OptionsStale.
func (e *Engineer) Compute(symbol string, candles []types.Candle, chain *types.OptionChain, now time.Time) (*Vector, *types.LevelSet, error) {
	if len(candles) < MinCandles {
		return nil, nil, ErrInsufficientData
	}
	window := candles[len(candles)-MinCandles:]

	opens, highs, lows, closes, volumes := split(window)
	last := window[len(window)-1]
	lastClose := last.Close

	v := &Vector{}

	// Trend / momentum
	v.Set("ema_5", indicators.EMA(closes, 5))
	v.Set("ema_12", indicators.EMA(closes, 12))
	v.Set("ema_20", indicators.EMA(closes, 20))
	v.Set("ema_50", indicators.EMA(closes, 50))
	v.Set("ema_200", indicators.EMA(closes, 200))
	v.Set("rsi_14", indicators.RSI(closes, 14))
	v.Set("rsi_5", indicators.RSI(closes, 5))

	macd, macdSignal, macdHist := indicators.MACD(closes, 12, 26, 9)
	v.Set("macd", macd)
	v.Set("macd_signal", macdSignal)
	v.Set("macd_hist", macdHist)

	v.Set("adx_proxy", indicators.DirectionalIndex(highs, lows, 14))

	alignment := emaAlignment(v.Get("ema_5"), v.Get("ema_20"), v.Get("ema_50"))
	v.Set("ema_alignment", alignment)
	v.Set("trend_regime", sign(lastClose-v.Get("ema_200")))
	v.Set("roc_10", indicators.Momentum(closes, 10))

	// Volatility
	atr := indicators.ATR(highs, lows, closes, 14)
	v.Set("atr_14", atr)
	v.Set("parkinson_20", indicators.Parkinson(tail(highs, 20), tail(lows, 20)))
	v.Set("garman_klass_20", indicators.GarmanKlass(tail(opens, 20), tail(highs, 20), tail(lows, 20), tail(closes, 20)))
	v.Set("ret_std_5", indicators.Volatility(indicators.Returns(tail(closes, 6))))
	v.Set("ret_std_20", indicators.Volatility(indicators.Returns(tail(closes, 21))))

	atrSeries := indicators.ATRSeries(highs, lows, closes, 14)
	// z-score of the current ATR against its trailing 20-bar
	// distribution; the denominator is the vol-of-vol
	v.Set("vol_of_vol_20", indicators.Zscore(tail(atrSeries, 20), atr))

	ranges := barRanges(window)
	v.Set("range_pctile_78", indicators.PercentileRank(tail(ranges[:len(ranges)-1], 78), last.Range()))
	if lastClose > 0 {
		v.Set("atr_pct", atr/lastClose*100)
	}

	// CPR from the previous trading day
	levels := &types.LevelSet{Symbol: symbol}
	session := sessionSlice(window)
	if ph, pl, pc, ok := prevDayHLC(window); ok {
		pivot := (ph + pl + pc) / 3
		bc := (ph + pl) / 2
		tc := 2*pivot - bc
		if tc < bc {
			tc, bc = bc, tc
		}
		levels.Pivot, levels.TC, levels.BC = pivot, tc, bc
		levels.PrevHigh, levels.PrevLow, levels.PrevClose = ph, pl, pc

		v.Set("cpr_width", tc-bc)
		v.Set("cpr_width_atr", safeDiv(tc-bc, atr))
		v.Set("dist_pivot_atr", safeDiv(lastClose-pivot, atr))
		v.Set("dist_tc_atr", safeDiv(lastClose-tc, atr))
		v.Set("dist_bc_atr", safeDiv(lastClose-bc, atr))
		switch {
		case lastClose > tc:
			v.Set("cpr_position", 1)
		case lastClose < bc:
			v.Set("cpr_position", -1)
		default:
			v.Set("cpr_position", 0)
		}
	}

	// Session VWAP
	_, sHighs, sLows, sCloses, sVolumes := split(session)
	vwap := indicators.VWAP(sHighs, sLows, sCloses, sVolumes)
	levels.VWAP = vwap
	v.Set("vwap", vwap)
	v.Set("dist_vwap_atr", safeDiv(lastClose-vwap, atr))
	v.Set("vwap_slope", vwapSlope(session, 10))

	// Support / resistance from swing structure
	resistance, support, resTouches, supTouches := swingLevels(window, lastClose, atr)
	levels.Resistance, levels.Support = resistance, support
	v.Set("resistance_20", resistance)
	v.Set("support_20", support)
	v.Set("res_touches_20", float64(resTouches))
	v.Set("sup_touches_20", float64(supTouches))
	v.Set("dist_resistance_pts", resistance-lastClose)
	v.Set("dist_support_pts", lastClose-support)
	v.Set("dist_resistance_atr", safeDiv(resistance-lastClose, atr))
	v.Set("dist_support_atr", safeDiv(lastClose-support, atr))

	// Microstructure
	v.Set("tick_dir_ratio", tickDirRatio(tail(closes, 21)))
	ref := lastWithRange(window) // forward-fill from the last bar with a real range
	if r := ref.Range(); r > 0 {
		mid := (ref.High + ref.Low) / 2
		v.Set("flow_imbalance", clamp((ref.Close-mid)/(r/2), -1, 1))
		v.Set("upper_wick_ratio", (ref.High-math.Max(ref.Open, ref.Close))/r)
		v.Set("lower_wick_ratio", (math.Min(ref.Open, ref.Close)-ref.Low)/r)
		v.Set("body_ratio", ref.Body()/r)
	}
	if len(session) > 0 {
		if levels.PrevClose > 0 {
			v.Set("gap_points", session[0].Open-levels.PrevClose)
		}
		v.Set("open_range_pos", openRangePos(session, lastClose))
		v.Set("signed_volume_cum", signedVolumeCum(session))
	}
	prevVols := volumes[:len(volumes)-1]
	curVol := volumes[len(volumes)-1]
	v.Set("volume_zscore_20", indicators.Zscore(tail(prevVols, 20), curVol))
	if avg := indicators.SMA(prevVols, 20); avg > 0 {
		v.Set("volume_ratio", curVol/avg)
	}

	// Options-derived
	e.setOptionsFeatures(v, chain, lastClose, now)

	// Time
	ts := last.Timestamp.In(market.IST())
	minuteOfDay := ts.Hour()*60 + ts.Minute()
	v.Set("hour", float64(ts.Hour()))
	v.Set("minute", float64(ts.Minute()))
	v.Set("minute_of_day", float64(minuteOfDay))
	v.Set("market_phase", marketPhase(minuteOfDay))

	// Structure break flags against the prior 20-bar envelope
	if len(highs) > 21 {
		prevHigh := indicators.Max(highs[len(highs)-21 : len(highs)-1])
		prevLow := indicators.Min(lows[len(lows)-21 : len(lows)-1])
		if lastClose > prevHigh {
			v.Set("structure_break_up", 1)
		}
		if lastClose < prevLow {
			v.Set("structure_break_down", 1)
		}
	}
	v.Set("failure_flag", failedBreakFlag(window))
	v.Set("signal_stability", clamp01(1-safeDiv(indicators.Volatility(tail(atrSeries, 5)), atr)))

	// Aggregate scores
	v.Set("l5_mtf", mtfAgreement(closes, alignment))
	v.Set("trend_score", indicators.TrendStrength(closes, 20)/100)
	v.Set("momentum_score", clamp(v.Get("roc_10"), -1, 1))
	v.Set("volume_score", clamp(v.Get("volume_zscore_20")/3, -1, 1))
	v.Set("volatility_fit", volatilityFit(atr))
	minDistATR := math.Min(math.Abs(v.Get("dist_resistance_atr")), math.Abs(v.Get("dist_support_atr")))
	v.Set("sr_proximity", 1-clamp01((minDistATR-0.5)/1.5))
	if !v.OptionsStale {
		v.Set("options_sentiment", clamp(0.5*(v.Get("pcr")-1)/0.5+0.5*v.Get("oi_skew"), -1, 1))
	}

	e.setLayerScores(v)

	return v, levels, nil
}

// setOptionsFeatures fills the options family from the freshest usable
// chain snapshot, caching it for later calls
func (e *Engineer) setOptionsFeatures(v *Vector, chain *types.OptionChain, spot float64, now time.Time) {
	e.mu.Lock()
	if chain != nil {
		e.lastChain = chain
	} else {
		chain = e.lastChain
	}
	e.mu.Unlock()

	if chain.Stale(now, chainMaxAge) || len(chain.Rows) == 0 {
		v.OptionsStale = true
		return
	}

	var callOI, putOI float64
	var callIVSum, putIVSum float64
	var callIVN, putIVN int
	for _, row := range chain.Rows {
		callOI += row.Call.OI
		putOI += row.Put.OI
		if row.Call.IV > 0 {
			callIVSum += row.Call.IV
			callIVN++
		}
		if row.Put.IV > 0 {
			putIVSum += row.Put.IV
			putIVN++
		}
	}

	if callOI > 0 {
		v.Set("pcr", putOI/callOI)
	}
	if total := callOI + putOI; total > 0 {
		v.Set("oi_skew", (putOI-callOI)/total)
	}
	if callIVN > 0 && putIVN > 0 {
		v.Set("iv_skew", putIVSum/float64(putIVN)-callIVSum/float64(callIVN))
	}

	ref := chain.Spot
	if ref == 0 {
		ref = spot
	}
	atmIdx := -1
	bestDist := math.MaxFloat64
	rowIVs := make([]float64, 0, len(chain.Rows))
	for i, row := range chain.Rows {
		if d := math.Abs(row.Strike - ref); d < bestDist {
			bestDist = d
			atmIdx = i
		}
		if iv := rowIV(row); iv > 0 {
			rowIVs = append(rowIVs, iv)
		}
	}
	if atmIdx >= 0 {
		if atmIV := rowIV(chain.Rows[atmIdx]); atmIV > 0 {
			v.Set("iv_rank", indicators.PercentileRank(rowIVs, atmIV))
		}
		// OI concentration within two strikes of ATM
		var nearOI float64
		for i := atmIdx - 2; i <= atmIdx+2; i++ {
			if i >= 0 && i < len(chain.Rows) {
				nearOI += chain.Rows[i].Call.OI + chain.Rows[i].Put.OI
			}
		}
		if total := callOI + putOI; total > 0 {
			v.Set("inst_activity", nearOI/total)
		}
	}
}

// setLayerScores derives L1..L5 and the weighted quality score from
// slots already present in the vector
func (e *Engineer) setLayerScores(v *Vector) {
	// L1 structure: clear CPR side, VWAP separation, stacked EMAs
	l1 := 0.0
	if v.Get("cpr_position") != 0 {
		l1 += 0.4
	}
	l1 += 0.3 * clamp01(math.Abs(v.Get("dist_vwap_atr"))/0.5)
	if v.Get("ema_alignment") != 0 {
		l1 += 0.3
	}
	v.Set("l1_structure", clamp01(l1))

	// L2 options: flat 0.5 when running on sentinels
	if v.OptionsStale {
		v.Set("l2_options", 0.5)
	} else {
		l2 := 0.4*clamp01(math.Abs(v.Get("pcr")-1)/0.5) +
			0.3*clamp01(math.Abs(v.Get("oi_skew"))) +
			0.3*(1-v.Get("iv_rank")/100)
		v.Set("l2_options", clamp01(l2))
	}

	// L3 technical: directional strength, MACD agreement, RSI headroom
	agree := 0.0
	switch {
	case v.Get("ema_alignment") == 0:
		agree = 0.5
	case sign(v.Get("macd_hist")) == v.Get("ema_alignment"):
		agree = 1.0
	}
	l3 := 0.35*clamp01(v.Get("adx_proxy")/50) +
		0.35*agree +
		0.30*clamp01(1-math.Abs(v.Get("rsi_14")-55)/45)
	v.Set("l3_technical", clamp01(l3))

	// L4 blocking: start clean, subtract known spoilers
	l4 := 1.0
	l4 -= 0.4 * v.Get("failure_flag")
	if v.Get("market_phase") == 2 {
		l4 -= 0.3
	}
	l4 -= 0.3 * clamp01(math.Max(0, v.Get("vol_of_vol_20")-1.5))
	v.Set("l4_blocking", clamp01(l4))

	// L5 multi-timeframe agreement is set in Compute, where the close
	// series is still in scope

	v.Set("quality_score",
		0.25*v.Get("l1_structure")+
			0.20*v.Get("l2_options")+
			0.20*v.Get("l3_technical")+
			0.20*v.Get("l4_blocking")+
			0.15*v.Get("l5_mtf"))
}

// Helper functions

func split(candles []types.Candle) (opens, highs, lows, closes, volumes []float64) {
	n := len(candles)
	opens = make([]float64, n)
	highs = make([]float64, n)
	lows = make([]float64, n)
	closes = make([]float64, n)
	volumes = make([]float64, n)
	for i, c := range candles {
		opens[i] = c.Open
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = float64(c.Volume)
	}
	return
}

func tail(s []float64, n int) []float64 {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func barRanges(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Range()
	}
	return out
}

// sessionSlice returns the candles sharing the IST date of the last bar
func sessionSlice(candles []types.Candle) []types.Candle {
	if len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1].Timestamp.In(market.IST())
	y, m, d := last.Date()
	start := len(candles) - 1
	for start > 0 {
		py, pm, pd := candles[start-1].Timestamp.In(market.IST()).Date()
		if py != y || pm != m || pd != d {
			break
		}
		start--
	}
	return candles[start:]
}

// prevDayHLC aggregates the most recent full day before the session day
func prevDayHLC(candles []types.Candle) (high, low, closePx float64, ok bool) {
	session := sessionSlice(candles)
	prior := candles[:len(candles)-len(session)]
	if len(prior) == 0 {
		return 0, 0, 0, false
	}

	last := prior[len(prior)-1].Timestamp.In(market.IST())
	y, m, d := last.Date()
	low = math.MaxFloat64
	closePx = prior[len(prior)-1].Close
	found := false
	for i := len(prior) - 1; i >= 0; i-- {
		cy, cm, cd := prior[i].Timestamp.In(market.IST()).Date()
		if cy != y || cm != m || cd != d {
			break
		}
		if prior[i].High > high {
			high = prior[i].High
		}
		if prior[i].Low < low {
			low = prior[i].Low
		}
		found = true
	}
	if !found {
		return 0, 0, 0, false
	}
	return high, low, closePx, true
}

func emaAlignment(fast, mid, slow float64) float64 {
	if fast > mid && mid > slow {
		return 1
	}
	if fast < mid && mid < slow {
		return -1
	}
	return 0
}

func vwapSlope(session []types.Candle, lookback int) float64 {
	if len(session) < 2 {
		return 0
	}
	var pvSum, volSum float64
	series := make([]float64, 0, len(session))
	for _, c := range session {
		tp := (c.High + c.Low + c.Close) / 3
		pvSum += tp * float64(c.Volume)
		volSum += float64(c.Volume)
		if volSum > 0 {
			series = append(series, pvSum/volSum)
		} else {
			series = append(series, tp)
		}
	}
	if len(series) > lookback {
		series = series[len(series)-lookback:]
	}
	return indicators.Slope(series)
}

// swingLevels finds the nearest confirmed swing levels around the close.
// Swings need two lower highs (or higher lows) on each side. Touch counts
// run over the last 20 bars with an ATR-scaled tolerance.
func swingLevels(candles []types.Candle, closePx, atr float64) (resistance, support float64, resTouches, supTouches int) {
	lookback := 40
	if len(candles) < lookback {
		lookback = len(candles)
	}
	w := candles[len(candles)-lookback:]

	var swingHighs, swingLows []float64
	for i := 2; i < len(w)-2; i++ {
		h := w[i].High
		if h > w[i-1].High && h > w[i-2].High && h > w[i+1].High && h > w[i+2].High {
			swingHighs = append(swingHighs, h)
		}
		l := w[i].Low
		if l < w[i-1].Low && l < w[i-2].Low && l < w[i+1].Low && l < w[i+2].Low {
			swingLows = append(swingLows, l)
		}
	}

	resistance = nearestAbove(swingHighs, closePx)
	support = nearestBelow(swingLows, closePx)

	last20 := candles
	if len(last20) > 20 {
		last20 = last20[len(last20)-20:]
	}
	if resistance == 0 {
		var hs []float64
		for _, c := range last20 {
			hs = append(hs, c.High)
		}
		resistance = indicators.Max(hs)
	}
	if support == 0 {
		var ls []float64
		for _, c := range last20 {
			ls = append(ls, c.Low)
		}
		support = indicators.Min(ls)
	}

	tol := 0.1 * atr
	if tol <= 0 {
		tol = closePx * 0.0005
	}
	for _, c := range last20 {
		if math.Abs(c.High-resistance) <= tol {
			resTouches++
		}
		if math.Abs(c.Low-support) <= tol {
			supTouches++
		}
	}
	return resistance, support, resTouches, supTouches
}

func nearestAbove(levels []float64, px float64) float64 {
	best := 0.0
	for _, l := range levels {
		if l >= px && (best == 0 || l < best) {
			best = l
		}
	}
	return best
}

func nearestBelow(levels []float64, px float64) float64 {
	best := 0.0
	for _, l := range levels {
		if l <= px && l > best {
			best = l
		}
	}
	return best
}

func tickDirRatio(closes []float64) float64 {
	up, down := 0, 0
	for i := 1; i < len(closes); i++ {
		if closes[i] > closes[i-1] {
			up++
		} else if closes[i] < closes[i-1] {
			down++
		}
	}
	if up+down == 0 {
		return 0.5
	}
	return float64(up) / float64(up+down)
}

// lastWithRange walks back to the most recent bar with a non-zero range
// so wick/body ratios forward-fill across locked bars
func lastWithRange(candles []types.Candle) types.Candle {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Range() > 0 {
			return candles[i]
		}
	}
	return candles[len(candles)-1]
}

// openRangePos locates the close inside the first 30 minutes' range
func openRangePos(session []types.Candle, closePx float64) float64 {
	n := 6
	if len(session) < n {
		n = len(session)
	}
	or := session[:n]
	hi, lo := or[0].High, or[0].Low
	for _, c := range or[1:] {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}
	if hi == lo {
		return 0.5
	}
	return clamp01((closePx - lo) / (hi - lo))
}

func signedVolumeCum(session []types.Candle) float64 {
	var signed, total float64
	for _, c := range session {
		signed += sign(c.Close-c.Open) * float64(c.Volume)
		total += float64(c.Volume)
	}
	if total == 0 {
		return 0
	}
	return signed / total
}

// mtfAgreement compares the 5-minute EMA alignment against the trend on
// resampled 15-minute closes: 1 agreement, 0.5 either side neutral,
// 0 opposed
func mtfAgreement(closes []float64, fiveMinAlignment float64) float64 {
	fifteen := resampleEvery(closes, 3)
	if len(fifteen) < 15 {
		return 0.5
	}
	fast := indicators.EMA(fifteen, 5)
	slow := indicators.EMA(fifteen, 15)
	fifteenDir := sign(fast - slow)

	if fifteenDir == 0 || fiveMinAlignment == 0 {
		return 0.5
	}
	if fifteenDir == fiveMinAlignment {
		return 1
	}
	return 0
}

// resampleEvery keeps every step-th value counting back from the last,
// preserving order
func resampleEvery(s []float64, step int) []float64 {
	if step <= 1 || len(s) == 0 {
		return s
	}
	out := make([]float64, 0, len(s)/step+1)
	for i := (len(s) - 1) % step; i < len(s); i += step {
		out = append(out, s[i])
	}
	return out
}

// marketPhase buckets the IST minute-of-day: 0 first hour, 2 last hour,
// 1 in between
func marketPhase(minuteOfDay int) float64 {
	const open = 9*60 + 15
	const lastHour = 14*60 + 30
	switch {
	case minuteOfDay < open+60:
		return 0
	case minuteOfDay >= lastHour:
		return 2
	default:
		return 1
	}
}

// failedBreakFlag detects a 20-bar breakout within the last 5 bars whose
// level has since been given back
func failedBreakFlag(candles []types.Candle) float64 {
	n := len(candles)
	if n < 30 {
		return 0
	}
	closePx := candles[n-1].Close
	for k := 1; k <= 5; k++ {
		i := n - 1 - k
		if i < 20 {
			break
		}
		var hi, lo float64
		lo = math.MaxFloat64
		for j := i - 20; j < i; j++ {
			if candles[j].High > hi {
				hi = candles[j].High
			}
			if candles[j].Low < lo {
				lo = candles[j].Low
			}
		}
		if candles[i].Close > hi && closePx < hi {
			return 1
		}
		if candles[i].Close < lo && closePx > lo {
			return 1
		}
	}
	return 0
}

func volatilityFit(atr float64) float64 {
	switch {
	case atr < 8:
		return 0
	case atr < 13:
		return 0.7 * (atr - 8) / 5
	case atr <= 30:
		return 1
	case atr <= 45:
		return 1 - 0.5*(atr-30)/15
	case atr <= 60:
		return 0.5 - 0.5*(atr-45)/15
	default:
		return 0
	}
}

func rowIV(row types.OptionChainRow) float64 {
	switch {
	case row.Call.IV > 0 && row.Put.IV > 0:
		return (row.Call.IV + row.Put.IV) / 2
	case row.Call.IV > 0:
		return row.Call.IV
	default:
		return row.Put.IV
	}
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func clamp01(x float64) float64 {
	return clamp(x, 0, 1)
}
