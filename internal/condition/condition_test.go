package condition

import (
	"testing"

	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/types"
)

func vec(t *testing.T, slots map[string]float64) *features.Vector {
	t.Helper()
	v := &features.Vector{}
	for name, val := range slots {
		v.Set(name, val)
	}
	return v
}

func TestATRBandBoundary(t *testing.T) {
	normal := vec(t, map[string]float64{"atr_14": 13.0, "range_pctile_78": 10, "rsi_14": 50})
	if got := Classify(normal); got != types.ConditionNormal {
		t.Errorf("ATR 13.0 -> %s, want NORMAL", got)
	}

	quiet := vec(t, map[string]float64{"atr_14": 12.999, "range_pctile_78": 10, "rsi_14": 50})
	if got := Classify(quiet); got != types.ConditionQuiet {
		t.Errorf("ATR 12.999 -> %s, want QUIET", got)
	}
}

func TestExtremeTriggers(t *testing.T) {
	cases := map[string]map[string]float64{
		"atr":          {"atr_14": 50, "rsi_14": 50},
		"range pctile": {"atr_14": 10, "range_pctile_78": 96, "rsi_14": 50},
		"vol of vol":   {"atr_14": 18, "vol_of_vol_20": 2.6, "rsi_14": 50},
	}
	for name, slots := range cases {
		if got := Classify(vec(t, slots)); got != types.ConditionExtreme {
			t.Errorf("%s trigger -> %s, want EXTREME", name, got)
		}
	}
}

func TestHighBucket(t *testing.T) {
	byATR := vec(t, map[string]float64{"atr_14": 30, "rsi_14": 50})
	if got := Classify(byATR); got != types.ConditionHigh {
		t.Errorf("ATR 30 -> %s, want HIGH", got)
	}

	// RSI dispersion with a volume spike outranks the NORMAL ATR band
	byRSI := vec(t, map[string]float64{"atr_14": 18, "rsi_14": 76, "volume_zscore_20": 1.6})
	if got := Classify(byRSI); got != types.ConditionHigh {
		t.Errorf("RSI 76 with volume z 1.6 -> %s, want HIGH (tie resolves up)", got)
	}

	// Same RSI without the volume spike stays NORMAL
	noVolume := vec(t, map[string]float64{"atr_14": 18, "rsi_14": 76, "volume_zscore_20": 0.5})
	if got := Classify(noVolume); got != types.ConditionNormal {
		t.Errorf("RSI 76 without volume z -> %s, want NORMAL", got)
	}
}

func TestQuietRequiresCalmPercentile(t *testing.T) {
	quiet := vec(t, map[string]float64{"atr_14": 10, "range_pctile_78": 20, "rsi_14": 50})
	if got := Classify(quiet); got != types.ConditionQuiet {
		t.Errorf("ATR 10, pctile 20 -> %s, want QUIET", got)
	}

	// Low ATR with an elevated percentile matches no rule; falls back
	fallback := vec(t, map[string]float64{"atr_14": 10, "range_pctile_78": 60, "rsi_14": 50})
	if got := Classify(fallback); got != types.ConditionNormal {
		t.Errorf("unmatched window -> %s, want NORMAL fallback", got)
	}
}

func TestClassifyDeterminism(t *testing.T) {
	v := vec(t, map[string]float64{"atr_14": 17, "range_pctile_78": 40, "rsi_14": 58})
	first := Classify(v)
	for i := 0; i < 50; i++ {
		if got := Classify(v); got != first {
			t.Fatalf("classification changed on repeat %d: %s vs %s", i, got, first)
		}
	}
}

func layerVec(t *testing.T, level float64) *features.Vector {
	t.Helper()
	return vec(t, map[string]float64{
		"l1_structure": level, "l2_options": level, "l3_technical": level,
		"l4_blocking": level, "l5_mtf": level,
	})
}

func TestScoreBuckets(t *testing.T) {
	// Weights sum to 1, so uniform layers make Q equal the layer value
	cases := []struct {
		level float64
		want  types.SetupQuality
	}{
		{0.20, types.QualityWeak},
		{0.34, types.QualityWeak},
		{0.36, types.QualityModerate},
		{0.54, types.QualityModerate},
		{0.56, types.QualityStrong},
		{0.61, types.QualityStrong},
		{0.74, types.QualityStrong},
		{0.76, types.QualityExcellent},
		{0.90, types.QualityExcellent},
	}
	for _, tc := range cases {
		if got := Score(layerVec(t, tc.level)); got != tc.want {
			t.Errorf("Q=%v -> %s, want %s", tc.level, got, tc.want)
		}
	}
}

func TestMatrixIsTotal(t *testing.T) {
	conditions := []types.MarketCondition{
		types.ConditionQuiet, types.ConditionNormal, types.ConditionHigh, types.ConditionExtreme,
	}
	qualities := []types.SetupQuality{
		types.QualityWeak, types.QualityModerate, types.QualityStrong, types.QualityExcellent,
	}
	for _, c := range conditions {
		for _, q := range qualities {
			p := Params(c, q, 20)
			if p.StopLossPoints <= 0 {
				t.Errorf("(%s,%s) SL = %v, want > 0", c, q, p.StopLossPoints)
			}
			if p.Target2Points <= p.Target1Points {
				t.Errorf("(%s,%s) T2 %v must exceed T1 %v", c, q, p.Target2Points, p.Target1Points)
			}
			if q == types.QualityWeak && p.PositionMultiplier != 0 {
				t.Errorf("(%s,WEAK) multiplier = %v, want 0", c, p.PositionMultiplier)
			}
		}
	}

	if Params(types.ConditionQuiet, types.QualityModerate, 10).PositionMultiplier != 0 {
		t.Error("(QUIET,MODERATE) multiplier must be 0")
	}
	if Params(types.ConditionExtreme, types.QualityModerate, 46).PositionMultiplier != 0 {
		t.Error("(EXTREME,MODERATE) multiplier must be 0")
	}
	if Params(types.ConditionNormal, types.QualityExcellent, 17).PositionMultiplier != 1.25 {
		t.Error("(NORMAL,EXCELLENT) multiplier must be 1.25")
	}
}

func TestNormalStrongCell(t *testing.T) {
	p := Params(types.ConditionNormal, types.QualityStrong, 17)
	if p.StopLossPoints != 14 {
		t.Errorf("SL = %v, want 14", p.StopLossPoints)
	}
	if p.Target1Points != 40 || p.Target2Points != 70 {
		t.Errorf("targets = %v/%v, want 40/70", p.Target1Points, p.Target2Points)
	}
	if p.PositionMultiplier != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", p.PositionMultiplier)
	}
}

func TestExtremeStopTracksATR(t *testing.T) {
	if got := Params(types.ConditionExtreme, types.QualityExcellent, 50).StopLossPoints; got != 50 {
		t.Errorf("EXTREME SL at ATR 50 = %v, want 50", got)
	}
	if got := Params(types.ConditionExtreme, types.QualityExcellent, 45).StopLossPoints; got != 45 {
		t.Errorf("EXTREME SL at ATR 45 = %v, want 45", got)
	}
	// Far beyond the band the stop still caps at the band edge
	if got := Params(types.ConditionExtreme, types.QualityExcellent, 90).StopLossPoints; got != 50 {
		t.Errorf("EXTREME SL at ATR 90 = %v, want 50", got)
	}
}
