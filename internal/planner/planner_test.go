package planner

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/types"
)

var planNow = time.Date(2024, 3, 12, 5, 0, 0, 0, time.UTC)

func vecWithATR(t *testing.T, atr float64) *features.Vector {
	t.Helper()
	var v features.Vector
	v.Set("atr_14", atr)
	return &v
}

func baseRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		Symbol:    "NIFTY",
		Spot:      22150,
		Vector:    vecWithATR(t, 17),
		Condition: types.ConditionNormal,
		Quality:   types.QualityStrong,
		Prediction: types.Prediction{
			Direction:  types.DirectionBuy,
			Confidence: 71,
		},
		Params: types.TradeParams{
			StopLossPoints:     14,
			Target1Points:      40,
			Target2Points:      70,
			PositionMultiplier: 1.0,
		},
		Instrument:      types.Instrument{Symbol: "NIFTY", SecurityID: 13, LotSize: 65, StrikeStep: 50},
		BaseLots:        2,
		MaxPerTradeLoss: decimal.NewFromInt(5000),
		Validity:        15 * time.Minute,
		Now:             planNow,
	}
}

func freshChain(spot float64) *types.OptionChain {
	return &types.OptionChain{
		Underlying: "NIFTY",
		Expiry:     "2024-03-14",
		FetchedAt:  planNow.Add(-30 * time.Second),
		Spot:       spot,
		Rows: []types.OptionChainRow{
			{
				Strike: 22150,
				Call:   types.OptionQuote{Bid: 184, Ask: 186, LTP: 185.2, OI: 1_500_000, IV: 14.2, Delta: 0.55},
				Put:    types.OptionQuote{Bid: 162, Ask: 164, LTP: 163.1, OI: 1_900_000, IV: 15.0, Delta: -0.45},
			},
		},
	}
}

func TestBuildNormalStrongBuy(t *testing.T) {
	plan, err := Build(baseRequest(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if plan.ID == "" {
		t.Error("missing plan id")
	}
	if !plan.Entry.Equal(decimal.NewFromInt(22150)) {
		t.Errorf("entry = %s, want 22150", plan.Entry)
	}
	if !plan.StopLoss.Equal(decimal.NewFromInt(22136)) {
		t.Errorf("stoploss = %s, want 22136", plan.StopLoss)
	}
	if !plan.Target.Equal(decimal.NewFromInt(22190)) {
		t.Errorf("target = %s, want 22190", plan.Target)
	}
	if !plan.Target2.Equal(decimal.NewFromInt(22220)) {
		t.Errorf("target2 = %s, want 22220", plan.Target2)
	}
	if !plan.RiskReward.Equal(decimal.NewFromFloat(2.86)) {
		t.Errorf("risk_reward = %s, want 2.86", plan.RiskReward)
	}
	if plan.PositionLots != 2 {
		t.Errorf("lots = %d, want 2", plan.PositionLots)
	}
	if plan.Strike != 22150 {
		t.Errorf("strike = %d, want 22150", plan.Strike)
	}
	if plan.OptionType != types.OptionCall {
		t.Errorf("option type = %s, want CE", plan.OptionType)
	}
	if !plan.ValidUntil.Equal(planNow.Add(15 * time.Minute)) {
		t.Errorf("valid_until = %v, want +15m", plan.ValidUntil)
	}
}

func TestBuildSellUsesPut(t *testing.T) {
	req := baseRequest(t)
	req.Prediction.Direction = types.DirectionSell

	plan, err := Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.OptionType != types.OptionPut {
		t.Errorf("option type = %s, want PE", plan.OptionType)
	}
	if !plan.StopLoss.Equal(decimal.NewFromInt(22164)) {
		t.Errorf("stoploss = %s, want 22164 above entry", plan.StopLoss)
	}
	if !plan.Target.Equal(decimal.NewFromInt(22110)) {
		t.Errorf("target = %s, want 22110 below entry", plan.Target)
	}
}

func TestRiskRewardAbort(t *testing.T) {
	req := baseRequest(t)
	req.Params.StopLossPoints = 45
	req.Params.Target1Points = 20

	_, err := Build(req)
	if !errors.Is(err, ErrUnfavorableRiskReward) {
		t.Fatalf("err = %v, want ErrUnfavorableRiskReward", err)
	}
}

func TestZeroLotsAbort(t *testing.T) {
	req := baseRequest(t)
	req.BaseLots = 1
	req.Params.PositionMultiplier = 0.5

	_, err := Build(req)
	if !errors.Is(err, ErrZeroPosition) {
		t.Fatalf("err = %v, want ErrZeroPosition", err)
	}
}

func TestLotsFloorMultiplier(t *testing.T) {
	req := baseRequest(t)
	req.BaseLots = 3
	req.Params.PositionMultiplier = 1.25

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PositionLots != 3 { // floor(3.75)
		t.Errorf("lots = %d, want 3", plan.PositionLots)
	}
}

func TestRiskCapClampsLots(t *testing.T) {
	req := baseRequest(t)
	// One lot risks 14 * 65 = 910; two would breach the cap.
	req.MaxPerTradeLoss = decimal.NewFromInt(1000)

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PositionLots != 1 {
		t.Errorf("lots = %d, want 1 after risk clamp", plan.PositionLots)
	}
	noted := false
	for _, r := range plan.Rationale {
		if strings.Contains(r, "per-trade loss cap") {
			noted = true
		}
	}
	if !noted {
		t.Error("rationale should note the risk clamp")
	}
}

func TestRiskCapAbortsOversizeLot(t *testing.T) {
	req := baseRequest(t)
	req.MaxPerTradeLoss = decimal.NewFromInt(800) // below the 910 one lot risks

	_, err := Build(req)
	if !errors.Is(err, ErrZeroPosition) {
		t.Fatalf("err = %v, want ErrZeroPosition", err)
	}
}

func TestEntrySnapsToVWAPBelowForBuy(t *testing.T) {
	req := baseRequest(t)
	req.Levels = &types.LevelSet{VWAP: 22147, Pivot: 22100} // pivot too far (0.25*17 = 4.25)

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Entry.Equal(decimal.NewFromInt(22147)) {
		t.Errorf("entry = %s, want snapped to 22147", plan.Entry)
	}
	if !plan.StopLoss.Equal(decimal.NewFromInt(22133)) {
		t.Errorf("stoploss = %s, want 22133 relative to snapped entry", plan.StopLoss)
	}
	found := false
	for _, r := range plan.Rationale {
		if strings.Contains(r, "snapped to VWAP") {
			found = true
		}
	}
	if !found {
		t.Error("rationale should note the snap")
	}
}

func TestEntryIgnoresLevelsOnWrongSide(t *testing.T) {
	req := baseRequest(t)
	// VWAP above the close is not a favorable BUY entry.
	req.Levels = &types.LevelSet{VWAP: 22153}

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Entry.Equal(decimal.NewFromInt(22150)) {
		t.Errorf("entry = %s, want unsnapped 22150", plan.Entry)
	}

	// For a SELL the same level is favorable.
	req.Prediction.Direction = types.DirectionSell
	plan, err = Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Entry.Equal(decimal.NewFromInt(22153)) {
		t.Errorf("sell entry = %s, want snapped to 22153", plan.Entry)
	}
}

func TestStrikeRounding(t *testing.T) {
	req := baseRequest(t)
	req.Spot = 22163

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Strike != 22150 {
		t.Errorf("strike = %d, want 22150", plan.Strike)
	}

	req.Spot = 22180
	plan, _ = Build(req)
	if plan.Strike != 22200 {
		t.Errorf("strike = %d, want 22200", plan.Strike)
	}

	// SENSEX steps by 100.
	req.Symbol = "SENSEX"
	req.Instrument = types.Instrument{Symbol: "SENSEX", SecurityID: 51, LotSize: 20, StrikeStep: 100}
	req.Spot = 72949
	plan, _ = Build(req)
	if plan.Strike != 72900 {
		t.Errorf("strike = %d, want 72900", plan.Strike)
	}
}

func TestPremiumFromFreshChain(t *testing.T) {
	req := baseRequest(t)
	req.Chain = freshChain(22150)

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.PremiumEntry.Equal(decimal.NewFromInt(185)) {
		t.Errorf("premium entry = %s, want mid 185", plan.PremiumEntry)
	}
	// 185 + 0.55*40
	if !plan.PremiumTarget.Equal(decimal.NewFromInt(207)) {
		t.Errorf("premium target = %s, want 207", plan.PremiumTarget)
	}
	// 185 - 0.55*14
	if !plan.PremiumSL.Equal(decimal.NewFromFloat(177.3)) {
		t.Errorf("premium sl = %s, want 177.3", plan.PremiumSL)
	}
	// (207-185) * 65 * 2
	if !plan.ProjectedPL.Equal(decimal.NewFromInt(2860)) {
		t.Errorf("projected_pl = %s, want 2860", plan.ProjectedPL)
	}
}

func TestCapitalClampsLots(t *testing.T) {
	req := baseRequest(t)
	req.Chain = freshChain(22150)
	// One lot costs 185 * 65 = 12025; only one fits.
	req.Capital = decimal.NewFromInt(15000)

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PositionLots != 1 {
		t.Errorf("lots = %d, want 1 after capital clamp", plan.PositionLots)
	}
	if !plan.ProjectedPL.Equal(decimal.NewFromInt(1430)) {
		t.Errorf("projected_pl = %s, want 1430 at clamped size", plan.ProjectedPL)
	}
	noted := false
	for _, r := range plan.Rationale {
		if strings.Contains(r, "clamped") {
			noted = true
		}
	}
	if !noted {
		t.Error("rationale should note the clamp")
	}
}

func TestCapitalAbortsUnaffordablePlan(t *testing.T) {
	req := baseRequest(t)
	req.Chain = freshChain(22150)
	req.Capital = decimal.NewFromInt(10000)

	_, err := Build(req)
	if !errors.Is(err, ErrUnaffordable) {
		t.Fatalf("err = %v, want ErrUnaffordable", err)
	}
}

func TestCapitalIgnoredWithoutPricedPremium(t *testing.T) {
	req := baseRequest(t)
	req.Capital = decimal.NewFromInt(100) // no chain, so no outlay to check

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PositionLots != 2 {
		t.Errorf("lots = %d, want 2 untouched", plan.PositionLots)
	}
}

func TestPremiumCarriedFromStaleChain(t *testing.T) {
	req := baseRequest(t)
	chain := freshChain(22100)
	chain.FetchedAt = planNow.Add(-10 * time.Minute)
	req.Chain = chain

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	// 185 + 0.55*(22150-22100) = 212.5
	if !plan.PremiumEntry.Equal(decimal.NewFromFloat(212.5)) {
		t.Errorf("premium entry = %s, want 212.5 carried by delta", plan.PremiumEntry)
	}
}

func TestDeltaEstimatedWhenRowCarriesNone(t *testing.T) {
	req := baseRequest(t)
	chain := freshChain(22150)
	chain.Rows[0].Call.Delta = 0 // force the Black-Scholes path
	req.Chain = chain

	plan, err := Build(req)
	if err != nil {
		t.Fatal(err)
	}
	// ATM two days out prices a delta a touch over 0.5.
	lo := decimal.NewFromInt(204)
	hi := decimal.NewFromInt(211)
	if plan.PremiumTarget.LessThan(lo) || plan.PremiumTarget.GreaterThan(hi) {
		t.Errorf("premium target = %s, want within [204, 211] for an estimated ATM delta", plan.PremiumTarget)
	}
}

func TestPremiumSkippedWithoutChain(t *testing.T) {
	plan, err := Build(baseRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if !plan.PremiumEntry.IsZero() || !plan.ProjectedPL.IsZero() {
		t.Errorf("premiums should be zero without a chain, got entry=%s pl=%s", plan.PremiumEntry, plan.ProjectedPL)
	}
	noted := false
	for _, r := range plan.Rationale {
		if strings.Contains(r, "chain unavailable") {
			noted = true
		}
	}
	if !noted {
		t.Error("rationale should note missing chain")
	}
}
