package indicators

import (
	"math"

	"github.com/shopspring/decimal"
)

// RSI calculates Relative Strength Index
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50 // Neutral if not enough data
	}

	gains := make([]float64, 0)
	losses := make([]float64, 0)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	if len(gains) < period {
		return 50
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])

	// Wilder smoothing over the remaining bars
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates the final Exponential Moving Average value
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema
}

// EMASeries returns the EMA at every bar from index period-1 onward.
// The first value is seeded with the SMA of the first period bars.
func EMASeries(prices []float64, period int) []float64 {
	if len(prices) < period || period <= 0 {
		return nil
	}

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(prices)-period+1)
	ema := average(prices[:period])
	out = append(out, ema)

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out = append(out, ema)
	}

	return out
}

// SMA calculates Simple Moving Average
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	return average(prices[len(prices)-period:])
}

// MACD calculates the MACD line, signal line and histogram. The signal
// line is a true EMA of the MACD series, so slowPeriod+signalPeriod bars
// are needed for a meaningful value.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (float64, float64, float64) {
	if len(prices) < slowPeriod {
		return 0, 0, 0
	}

	fast := EMASeries(prices, fastPeriod)
	slow := EMASeries(prices, slowPeriod)
	if len(fast) == 0 || len(slow) == 0 {
		return 0, 0, 0
	}

	// Align the two series on their tails
	n := len(slow)
	if len(fast) < n {
		n = len(fast)
	}
	macdSeries := make([]float64, n)
	for i := 0; i < n; i++ {
		macdSeries[i] = fast[len(fast)-n+i] - slow[len(slow)-n+i]
	}

	macdLine := macdSeries[n-1]
	signalLine := EMA(macdSeries, signalPeriod)
	return macdLine, signalLine, macdLine - signalLine
}

// Momentum calculates percent price change over a period
func Momentum(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 0
	}

	current := prices[len(prices)-1]
	previous := prices[len(prices)-1-period]

	if previous == 0 {
		return 0
	}

	return ((current - previous) / previous) * 100
}

// Returns computes simple bar-over-bar returns
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// Volatility calculates the population standard deviation
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	avg := average(prices)
	sumSquares := 0.0

	for _, p := range prices {
		sumSquares += (p - avg) * (p - avg)
	}

	return math.Sqrt(sumSquares / float64(len(prices)))
}

// ATR calculates Average True Range
func ATR(highs, lows, closes []float64, period int) float64 {
	trs := trueRanges(highs, lows, closes)
	if len(trs) < period {
		return 0
	}
	return SMA(trs, period)
}

// ATRSeries returns the rolling ATR at each bar once period true ranges
// are available. Used for vol-of-vol.
func ATRSeries(highs, lows, closes []float64, period int) []float64 {
	trs := trueRanges(highs, lows, closes)
	if len(trs) < period {
		return nil
	}
	out := make([]float64, 0, len(trs)-period+1)
	for i := period; i <= len(trs); i++ {
		out = append(out, average(trs[i-period:i]))
	}
	return out
}

func trueRanges(highs, lows, closes []float64) []float64 {
	n := len(closes)
	if len(highs) < n {
		n = len(highs)
	}
	if len(lows) < n {
		n = len(lows)
	}
	if n < 2 {
		return nil
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}
	return trs
}

// Parkinson estimates volatility from high/low ranges over the window:
// sqrt((1/(4 ln 2)) * mean(ln(H/L)^2))
func Parkinson(highs, lows []float64) float64 {
	n := len(highs)
	if len(lows) < n {
		n = len(lows)
	}
	if n == 0 {
		return 0
	}

	sum := 0.0
	count := 0
	for i := 0; i < n; i++ {
		if highs[i] <= 0 || lows[i] <= 0 {
			continue
		}
		r := math.Log(highs[i] / lows[i])
		sum += r * r
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / (4 * math.Ln2 * float64(count)))
}

// GarmanKlass estimates volatility from full OHLC bars
func GarmanKlass(opens, highs, lows, closes []float64) float64 {
	n := len(closes)
	for _, s := range [][]float64{opens, highs, lows} {
		if len(s) < n {
			n = len(s)
		}
	}
	if n == 0 {
		return 0
	}

	sum := 0.0
	count := 0
	for i := 0; i < n; i++ {
		if opens[i] <= 0 || highs[i] <= 0 || lows[i] <= 0 || closes[i] <= 0 {
			continue
		}
		hl := math.Log(highs[i] / lows[i])
		co := math.Log(closes[i] / opens[i])
		sum += 0.5*hl*hl - (2*math.Ln2-1)*co*co
		count++
	}
	if count == 0 || sum < 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// PercentileRank returns the percentage of window values strictly below
// value, in [0, 100]
func PercentileRank(window []float64, value float64) float64 {
	if len(window) == 0 {
		return 0
	}
	below := 0
	for _, v := range window {
		if v < value {
			below++
		}
	}
	return float64(below) / float64(len(window)) * 100
}

// Zscore returns (value - mean(window)) / std(window), 0 when flat
func Zscore(window []float64, value float64) float64 {
	if len(window) < 2 {
		return 0
	}
	std := Volatility(window)
	if std == 0 {
		return 0
	}
	return (value - average(window)) / std
}

// VWAP computes the volume-weighted average of typical prices.
// Zero volume across the window falls back to the mean typical price.
func VWAP(highs, lows, closes, volumes []float64) float64 {
	n := len(closes)
	for _, s := range [][]float64{highs, lows, volumes} {
		if len(s) < n {
			n = len(s)
		}
	}
	if n == 0 {
		return 0
	}

	var pvSum, volSum, tpSum float64
	for i := 0; i < n; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3
		pvSum += tp * volumes[i]
		volSum += volumes[i]
		tpSum += tp
	}
	if volSum == 0 {
		return tpSum / float64(n)
	}
	return pvSum / volSum
}

// Slope fits a least-squares line through the values and returns the
// per-bar slope
func Slope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// DirectionalIndex is an ADX-like measure of directional pressure over
// the window: 100*|+DM - -DM| / (+DM + -DM), in [0, 100]
func DirectionalIndex(highs, lows []float64, period int) float64 {
	n := len(highs)
	if len(lows) < n {
		n = len(lows)
	}
	if n < period+1 {
		return 0
	}

	var plusDM, minusDM float64
	for i := n - period; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM += up
		}
		if down > up && down > 0 {
			minusDM += down
		}
	}
	total := plusDM + minusDM
	if total == 0 {
		return 0
	}
	return math.Abs(plusDM-minusDM) / total * 100
}

// TrendStrength counts up-bars vs down-bars over the window, returning
// a signed percentage (positive = uptrend)
func TrendStrength(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	increases := 0
	decreases := 0
	recent := prices[len(prices)-period:]

	for i := 1; i < len(recent); i++ {
		if recent[i] > recent[i-1] {
			increases++
		} else if recent[i] < recent[i-1] {
			decreases++
		}
	}

	total := increases + decreases
	if total == 0 {
		return 0
	}

	if increases > decreases {
		return float64(increases) / float64(total) * 100
	}
	return -float64(decreases) / float64(total) * 100
}

// Helper functions

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func min(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := data[0]
	for _, v := range data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func max(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := data[0]
	for _, v := range data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Min returns the smallest value in the window
func Min(data []float64) float64 { return min(data) }

// Max returns the largest value in the window
func Max(data []float64) float64 { return max(data) }

// DecimalToFloat converts decimal to float64
func DecimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// FloatToDecimal converts float64 to decimal
func FloatToDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
