package condition

import (
	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/types"
)

// Classify buckets the volatility regime from the feature vector.
// Evaluation order runs from the most to the least volatile bucket, so
// ties resolve upward. Windows matching no rule (for example low ATR
// with an elevated range percentile) fall back to NORMAL.
func Classify(v *features.Vector) types.MarketCondition {
	atr := v.Get("atr_14")
	rangePctile := v.Get("range_pctile_78")
	volOfVolZ := v.Get("vol_of_vol_20")
	rsi := v.Get("rsi_14")
	volumeZ := v.Get("volume_zscore_20")

	if atr >= 45 || rangePctile >= 95 || volOfVolZ >= 2.5 {
		return types.ConditionExtreme
	}
	if (atr >= 22 && atr < 45) || ((rsi < 30 || rsi > 70) && volumeZ >= 1.5) {
		return types.ConditionHigh
	}
	if atr >= 13 && atr < 22 {
		return types.ConditionNormal
	}
	if atr < 13 && rangePctile <= 25 {
		return types.ConditionQuiet
	}
	return types.ConditionNormal
}

// Score recomputes the weighted layer aggregate and buckets it.
// Q = 0.25*L1 + 0.20*L2 + 0.20*L3 + 0.20*L4 + 0.15*L5.
func Score(v *features.Vector) types.SetupQuality {
	q := 0.25*v.Get("l1_structure") +
		0.20*v.Get("l2_options") +
		0.20*v.Get("l3_technical") +
		0.20*v.Get("l4_blocking") +
		0.15*v.Get("l5_mtf")

	switch {
	case q < 0.35:
		return types.QualityWeak
	case q < 0.55:
		return types.QualityModerate
	case q < 0.75:
		return types.QualityStrong
	default:
		return types.QualityExcellent
	}
}

// band is the per-regime SL range plus fixed targets, with the ATR span
// over which the stop-loss interpolates
type band struct {
	slLo, slHi float64
	t1, t2     float64
	atrLo      float64
	atrSpan    float64
}

var bands = map[types.MarketCondition]band{
	types.ConditionQuiet:   {slLo: 8, slHi: 10, t1: 20, t2: 35, atrLo: 0, atrSpan: 13},
	types.ConditionNormal:  {slLo: 13, slHi: 15, t1: 40, t2: 70, atrLo: 13, atrSpan: 9},
	types.ConditionHigh:    {slLo: 22, slHi: 27, t1: 80, t2: 150, atrLo: 22, atrSpan: 23},
	types.ConditionExtreme: {slLo: 45, slHi: 50, t1: 150, t2: 300, atrLo: 45, atrSpan: 5},
}

var multipliers = map[types.MarketCondition]map[types.SetupQuality]float64{
	types.ConditionQuiet: {
		types.QualityWeak: 0, types.QualityModerate: 0,
		types.QualityStrong: 0.5, types.QualityExcellent: 1.0,
	},
	types.ConditionNormal: {
		types.QualityWeak: 0, types.QualityModerate: 0.5,
		types.QualityStrong: 1.0, types.QualityExcellent: 1.25,
	},
	types.ConditionHigh: {
		types.QualityWeak: 0, types.QualityModerate: 0.5,
		types.QualityStrong: 1.0, types.QualityExcellent: 1.25,
	},
	types.ConditionExtreme: {
		types.QualityWeak: 0, types.QualityModerate: 0,
		types.QualityStrong: 0.5, types.QualityExcellent: 1.0,
	},
}

// Params returns the matrix cell for (condition, quality). The stop-loss
// scales linearly across its band as ATR traverses the regime's range and
// is rounded to whole points; targets are fixed per band. Lookup is total
// over all sixteen cells; unknown keys resolve to the NORMAL/WEAK cell.
func Params(c types.MarketCondition, q types.SetupQuality, atr float64) types.TradeParams {
	b, ok := bands[c]
	if !ok {
		c = types.ConditionNormal
		b = bands[c]
	}

	frac := 0.0
	if b.atrSpan > 0 {
		frac = (atr - b.atrLo) / b.atrSpan
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	sl := b.slLo + frac*(b.slHi-b.slLo)
	sl = float64(int(sl + 0.5)) // whole points

	mult, ok := multipliers[c][q]
	if !ok {
		mult = 0
	}

	return types.TradeParams{
		StopLossPoints:     sl,
		Target1Points:      b.t1,
		Target2Points:      b.t2,
		PositionMultiplier: mult,
	}
}
