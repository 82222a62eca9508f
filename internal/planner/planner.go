package planner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/internal/greeks"
	"github.com/AK47-U/Nifty-OB/types"
)

// Plans that survive the filter chain but price out badly are aborted
// rather than emitted.
var (
	ErrUnfavorableRiskReward = errors.New("risk reward below 1.0")
	ErrZeroPosition          = errors.New("position size rounds to zero lots")
	ErrUnaffordable          = errors.New("premium outlay exceeds capital")
)

// Entry may be pulled to a structural level at most this fraction of ATR
// away from the live close.
const snapATRFraction = 0.25

// chain rows older than this are treated as estimates, not live quotes
const chainFreshFor = 5 * time.Minute

// Request carries everything a plan needs. Filters must already have
// passed; their verdicts are attached to the plan verbatim.
type Request struct {
	Symbol          string
	Spot            float64
	Vector          *features.Vector
	Condition       types.MarketCondition
	Quality         types.SetupQuality
	Prediction      types.Prediction
	Params          types.TradeParams
	Instrument      types.Instrument
	Levels          *types.LevelSet
	Chain           *types.OptionChain
	Filters         []types.FilterResult
	BaseLots        int
	MaxPerTradeLoss decimal.Decimal
	Capital         decimal.Decimal
	Validity        time.Duration
	Now             time.Time
}

// Build turns an approved prediction into a concrete trade plan
func Build(req Request) (*types.TradePlan, error) {
	atr := req.Vector.Get("atr_14")

	entry, snapNote := snapEntry(req.Spot, atr, req.Prediction.Direction, req.Levels)

	slPts := req.Params.StopLossPoints
	t1Pts := req.Params.Target1Points
	t2Pts := req.Params.Target2Points

	var stoploss, target, target2 float64
	if req.Prediction.Direction == types.DirectionBuy {
		stoploss = entry - slPts
		target = entry + t1Pts
		target2 = entry + t2Pts
	} else {
		stoploss = entry + slPts
		target = entry - t1Pts
		target2 = entry - t2Pts
	}

	// Point distances are unchanged by entry snapping, so this is
	// T1/SL for both directions.
	rr := math.Abs(target-entry) / math.Abs(entry-stoploss)
	if rr < 1.0 {
		return nil, fmt.Errorf("%w: %.2f", ErrUnfavorableRiskReward, rr)
	}

	lots := int(math.Floor(float64(req.BaseLots) * req.Params.PositionMultiplier))
	if lots < 1 {
		return nil, ErrZeroPosition
	}

	// Worst-case loss for the emitted size must stay inside the
	// per-trade cap, whatever the multiplier asked for.
	riskNote := ""
	if req.MaxPerTradeLoss.IsPositive() && slPts > 0 {
		perLotRisk := decimal.NewFromFloat(slPts).Mul(decimal.NewFromInt(int64(req.Instrument.LotSize)))
		fit := int(req.MaxPerTradeLoss.Div(perLotRisk).IntPart())
		if fit < 1 {
			return nil, fmt.Errorf("%w: one lot risks %s", ErrZeroPosition, perLotRisk.StringFixed(0))
		}
		if fit < lots {
			riskNote = fmt.Sprintf("size clamped %d to %d lots by per-trade loss cap", lots, fit)
			lots = fit
		}
	}

	strike := nearestStrike(entry, req.Instrument.StrikeStep)
	optType := types.OptionCall
	if req.Prediction.Direction == types.DirectionSell {
		optType = types.OptionPut
	}

	premEntry, premTarget, premSL, premNote := projectPremiums(req, entry, target, stoploss, strike, optType)

	// A priced plan must also fit the account: the premium outlay per
	// lot caps the size.
	capNote := ""
	if premEntry.IsPositive() && req.Capital.IsPositive() {
		perLot := premEntry.Mul(decimal.NewFromInt(int64(req.Instrument.LotSize)))
		affordable := int(req.Capital.Div(perLot).IntPart())
		if affordable < 1 {
			return nil, fmt.Errorf("%w: one lot costs %s", ErrUnaffordable, perLot.StringFixed(2))
		}
		if affordable < lots {
			capNote = fmt.Sprintf("size clamped %d to %d lots by capital", lots, affordable)
			lots = affordable
		}
	}

	projected := decimal.Zero
	if premEntry.IsPositive() {
		projected = premTarget.Sub(premEntry).
			Mul(decimal.NewFromInt(int64(req.Instrument.LotSize))).
			Mul(decimal.NewFromInt(int64(lots))).
			Round(2)
	}

	rationale := []string{
		fmt.Sprintf("%s regime, %s setup, confidence %.1f", req.Condition, req.Quality, req.Prediction.Confidence),
		fmt.Sprintf("SL %.0f pts, T1 %.0f pts, T2 %.0f pts at %.2fx size", slPts, t1Pts, t2Pts, req.Params.PositionMultiplier),
	}
	if snapNote != "" {
		rationale = append(rationale, snapNote)
	}
	if riskNote != "" {
		rationale = append(rationale, riskNote)
	}
	if capNote != "" {
		rationale = append(rationale, capNote)
	}
	if premNote != "" {
		rationale = append(rationale, premNote)
	}

	plan := &types.TradePlan{
		ID:            uuid.NewString(),
		Symbol:        req.Symbol,
		Direction:     req.Prediction.Direction,
		Condition:     req.Condition,
		Quality:       req.Quality,
		Confidence:    req.Prediction.Confidence,
		Entry:         decimal.NewFromFloat(entry).Round(2),
		Target:        decimal.NewFromFloat(target).Round(2),
		Target2:       decimal.NewFromFloat(target2).Round(2),
		StopLoss:      decimal.NewFromFloat(stoploss).Round(2),
		RiskReward:    decimal.NewFromFloat(rr).Round(2),
		PositionLots:  lots,
		Multiplier:    decimal.NewFromFloat(req.Params.PositionMultiplier),
		Strike:        strike,
		OptionType:    optType,
		PremiumEntry:  premEntry,
		PremiumTarget: premTarget,
		PremiumSL:     premSL,
		ProjectedPL:   projected,
		FiltersStatus: req.Filters,
		Rationale:     rationale,
		GeneratedAt:   req.Now,
		ValidUntil:    req.Now.Add(req.Validity),
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("direction", string(plan.Direction)).
		Str("entry", plan.Entry.StringFixed(2)).
		Str("target", plan.Target.StringFixed(2)).
		Str("stoploss", plan.StopLoss.StringFixed(2)).
		Int("strike", strike).
		Str("option", string(optType)).
		Int("lots", lots).
		Msg("📋 Trade plan generated")

	return plan, nil
}

// snapEntry pulls the entry to the nearest VWAP or CPR level when one
// sits on the favorable side of the close within 0.25 ATR. BUY entries
// snap down, SELL entries snap up.
func snapEntry(spot, atr float64, dir types.Direction, levels *types.LevelSet) (float64, string) {
	if levels == nil || atr <= 0 {
		return spot, ""
	}

	candidates := []struct {
		name  string
		value float64
	}{
		{"VWAP", levels.VWAP},
		{"pivot", levels.Pivot},
		{"TC", levels.TC},
		{"BC", levels.BC},
	}

	maxDist := snapATRFraction * atr
	best := spot
	bestName := ""
	for _, c := range candidates {
		if c.value <= 0 {
			continue
		}
		favorable := (dir == types.DirectionBuy && c.value < spot) ||
			(dir == types.DirectionSell && c.value > spot)
		if !favorable {
			continue
		}
		dist := math.Abs(spot - c.value)
		if dist > maxDist {
			continue
		}
		if bestName == "" || dist < math.Abs(spot-best) {
			best = c.value
			bestName = c.name
		}
	}

	if bestName == "" {
		return spot, ""
	}
	return best, fmt.Sprintf("entry snapped to %s %.2f (%.2f ATR from close)", bestName, best, math.Abs(spot-best)/atr)
}

// nearestStrike rounds to the closest listed strike
func nearestStrike(price float64, step int) int {
	if step <= 0 {
		step = 50
	}
	return int(math.Round(price/float64(step))) * step
}

// projectPremiums prices the option leg. A fresh chain row prices the
// entry at its mid; a stale row is carried to the current spot by
// delta-linearization; no row at all leaves the premiums unpriced.
func projectPremiums(req Request, entry, target, stoploss float64, strike int, optType types.OptionType) (premEntry, premTarget, premSL decimal.Decimal, note string) {
	premEntry, premTarget, premSL = decimal.Zero, decimal.Zero, decimal.Zero

	if req.Chain == nil {
		return premEntry, premTarget, premSL, "option chain unavailable, premiums not projected"
	}
	row := req.Chain.RowAt(float64(strike))
	if row == nil {
		return premEntry, premTarget, premSL, fmt.Sprintf("no chain row at strike %d, premiums not projected", strike)
	}

	quote := row.Call
	if optType == types.OptionPut {
		quote = row.Put
	}
	delta := quote.Delta
	if delta == 0 {
		delta = estimateDelta(req, entry, strike, optType, quote.IV)
	}

	base := quote.Mid()
	if base <= 0 {
		return premEntry, premTarget, premSL, fmt.Sprintf("empty quote at strike %d, premiums not projected", strike)
	}

	entryPrem := base
	if req.Chain.Stale(req.Now, chainFreshFor) {
		// Carry the stale mid to the current spot.
		entryPrem = base + delta*(entry-req.Chain.Spot)
		note = fmt.Sprintf("stale chain, premium carried %.1f pts by delta", entry-req.Chain.Spot)
	}
	if entryPrem <= 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, "premium estimate collapsed, not projected"
	}

	targetPrem := entryPrem + delta*(target-entry)
	slPrem := entryPrem + delta*(stoploss-entry)
	if slPrem < 0 {
		slPrem = 0
	}

	return decimal.NewFromFloat(entryPrem).Round(2),
		decimal.NewFromFloat(targetPrem).Round(2),
		decimal.NewFromFloat(slPrem).Round(2),
		note
}

// estimateDelta prices a Black-Scholes delta when the chain row carries
// none, falling back to the ATM approximation on bad inputs
func estimateDelta(req Request, spot float64, strike int, optType types.OptionType, iv float64) float64 {
	tau := 0.0
	if req.Chain != nil && req.Chain.Expiry != "" {
		if expiry, err := time.Parse("2006-01-02", req.Chain.Expiry); err == nil {
			// Expiry settles at the 15:30 IST close.
			tau = expiry.Add(10*time.Hour).Sub(req.Now).Hours() / 24 / 365
		}
	}
	if optType == types.OptionPut {
		return greeks.PutDelta(spot, float64(strike), iv/100, tau, greeks.RiskFreeRate)
	}
	return greeks.CallDelta(spot, float64(strike), iv/100, tau, greeks.RiskFreeRate)
}
