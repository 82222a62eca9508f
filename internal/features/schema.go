package features

import (
	"encoding/json"
	"fmt"
	"math"
)

// Count is the fixed arity of the feature vector. The schema below is
// part of the contract with the trained model and the snapshot store;
// adding, removing or reordering a name is a breaking change that
// requires retraining.
const Count = 74

// Names enumerates the feature schema in canonical order.
var Names = [Count]string{
	// Trend / momentum
	"ema_5", "ema_12", "ema_20", "ema_50", "ema_200",
	"rsi_14", "rsi_5",
	"macd", "macd_signal", "macd_hist",
	"adx_proxy", "ema_alignment", "trend_regime", "roc_10",

	// Volatility
	"atr_14", "parkinson_20", "garman_klass_20",
	"ret_std_5", "ret_std_20", "vol_of_vol_20",
	"range_pctile_78", "atr_pct",

	// CPR
	"cpr_width", "cpr_width_atr",
	"dist_pivot_atr", "dist_tc_atr", "dist_bc_atr", "cpr_position",

	// VWAP
	"vwap", "dist_vwap_atr", "vwap_slope",

	// Support / resistance
	"resistance_20", "support_20",
	"res_touches_20", "sup_touches_20",
	"dist_resistance_pts", "dist_support_pts",
	"dist_resistance_atr", "dist_support_atr",

	// Microstructure
	"tick_dir_ratio", "flow_imbalance",
	"upper_wick_ratio", "lower_wick_ratio", "body_ratio",
	"gap_points", "open_range_pos",
	"volume_zscore_20", "volume_ratio", "signed_volume_cum",

	// Options-derived
	"pcr", "oi_skew", "iv_skew", "iv_rank", "inst_activity",

	// Time
	"hour", "minute", "minute_of_day", "market_phase",

	// Aggregate scores
	"l1_structure", "l2_options", "l3_technical", "l4_blocking", "l5_mtf",
	"quality_score",
	"trend_score", "momentum_score", "volume_score",
	"volatility_fit", "sr_proximity", "options_sentiment",
	"structure_break_up", "structure_break_down",
	"failure_flag", "signal_stability",
}

var nameIndex = func() map[string]int {
	m := make(map[string]int, Count)
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Vector is a fixed-schema feature record. The zero value has every slot
// at the 0.0 sentinel.
type Vector struct {
	// OptionsStale marks that the options-derived slots were filled from
	// sentinels because no fresh chain snapshot was available.
	OptionsStale bool

	values [Count]float64
}

// Set writes a slot by name. NaN and infinity collapse to the 0.0
// sentinel. Unknown names panic: they indicate a schema bug, not a
// runtime condition.
func (v *Vector) Set(name string, value float64) {
	idx, ok := nameIndex[name]
	if !ok {
		panic(fmt.Sprintf("features: unknown feature %q", name))
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}
	v.values[idx] = value
}

// Get reads a slot by name. Unknown names panic for the same reason Set does.
func (v *Vector) Get(name string) float64 {
	idx, ok := nameIndex[name]
	if !ok {
		panic(fmt.Sprintf("features: unknown feature %q", name))
	}
	return v.values[idx]
}

// Has reports whether name is part of the schema
func Has(name string) bool {
	_, ok := nameIndex[name]
	return ok
}

// Values returns a copy of the slots in schema order
func (v *Vector) Values() []float64 {
	out := make([]float64, Count)
	copy(out, v.values[:])
	return out
}

// Map returns the vector as a name-to-value map, the shape persisted in
// the snapshot features blob
func (v *Vector) Map() map[string]float64 {
	out := make(map[string]float64, Count)
	for i, n := range Names {
		out[n] = v.values[i]
	}
	return out
}

// MarshalJSON encodes the vector as a name-to-value object
func (v *Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}

// UnmarshalJSON decodes a name-to-value object, ignoring unknown names
// so old snapshots with retired experiments still load
func (v *Vector) UnmarshalJSON(data []byte) error {
	raw := make(map[string]float64, Count)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name, value := range raw {
		if idx, ok := nameIndex[name]; ok {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				value = 0
			}
			v.values[idx] = value
		}
	}
	return nil
}
