package filters

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/internal/database"
	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILTER CHAIN - Central gate between prediction and plan
//
// Predictor proposes → Chain approves/rejects → Planner builds the plan
//
// Five gates run in a fixed order and the chain stops at the first
// BLOCK. The snapshot records every verdict reached, so a blocked
// evaluation still shows which gates it cleared.
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// config_kv keys
	thresholdKey = "confidence_threshold"
	cleanDaysKey = "threshold_clean_days"

	// losses counted over this many trailing snapshots
	lossWindow = 10

	// opposed-trend trades need at least this much confidence
	trendOverrideConfidence = 72.0
)

// Filter names as recorded in snapshots
const (
	FilterSizing     = "position_sizing"
	FilterConfidence = "confidence_threshold"
	FilterTrend      = "trend_alignment"
	FilterEntry      = "entry_quality"
	FilterFailure    = "failure_detection"
)

// Repository is the slice of the metrics store the chain reads
type Repository interface {
	RecentSnapshots(symbol string, n int) ([]database.Snapshot, error)
	DailyRealizedPL(symbol string, dayStart, dayEnd time.Time) (decimal.Decimal, error)
	StopLossHits(symbol string, dayStart, dayEnd time.Time) (int64, error)
	GetConfig(key string) (string, bool, error)
	SetConfig(key, value string) error
}

// Input is everything one evaluation needs
type Input struct {
	Symbol     string
	Vector     *features.Vector
	Condition  types.MarketCondition
	Quality    types.SetupQuality
	Prediction types.Prediction
	Params     types.TradeParams
	Instrument types.Instrument
	Now        time.Time
}

// Verdict is the chain result. Results holds the verdicts in evaluation
// order, ending at the gate that blocked; at most one entry is a BLOCK.
type Verdict struct {
	Results   []types.FilterResult
	Blocked   bool
	Reason    string  // blocking reason
	Threshold float64 // adaptive threshold used by the confidence gate
}

type Chain struct {
	repo Repository

	maxPerTradeLoss decimal.Decimal
	maxDailyLoss    decimal.Decimal
	floor           float64
	ceiling         float64
}

func New(repo Repository, maxPerTradeLoss, maxDailyLoss decimal.Decimal, floor, ceiling float64) *Chain {
	return &Chain{
		repo:            repo,
		maxPerTradeLoss: maxPerTradeLoss,
		maxDailyLoss:    maxDailyLoss,
		floor:           floor,
		ceiling:         ceiling,
	}
}

// Evaluate runs the gates in order, stopping at the first BLOCK.
func (c *Chain) Evaluate(in Input) (*Verdict, error) {
	dayStart, dayEnd := sessionDay(in.Now)

	// The threshold is resolved before any gate runs so operators see it
	// on every cadence, including ones an early gate blocks.
	threshold, err := c.Threshold(in.Symbol)
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{Results: make([]types.FilterResult, 0, 5), Threshold: threshold}
	record := func(name string, status types.FilterStatus, reason string) {
		verdict.Results = append(verdict.Results, types.FilterResult{Name: name, Status: status, Reason: reason})
		if status == types.FilterBlock {
			verdict.Blocked = true
			verdict.Reason = reason
			log.Debug().
				Str("symbol", in.Symbol).
				Str("filter", name).
				Str("reason", reason).
				Msg("🚫 Filter block")
		}
	}

	// 1. Position sizing: per-trade risk and the daily realized-loss cap.
	perTradeRisk := decimal.NewFromFloat(in.Params.StopLossPoints).
		Mul(decimal.NewFromInt(int64(in.Instrument.LotSize))).
		Mul(decimal.NewFromFloat(in.Params.PositionMultiplier))
	dailyPL, err := c.repo.DailyRealizedPL("", dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	switch {
	case perTradeRisk.GreaterThan(c.maxPerTradeLoss):
		record(FilterSizing, types.FilterBlock,
			fmt.Sprintf("per-trade risk %s exceeds cap %s", perTradeRisk.StringFixed(0), c.maxPerTradeLoss.StringFixed(0)))
	case dailyPL.Neg().GreaterThanOrEqual(c.maxDailyLoss):
		record(FilterSizing, types.FilterBlock,
			fmt.Sprintf("daily realized loss %s at cap %s", dailyPL.StringFixed(0), c.maxDailyLoss.StringFixed(0)))
	default:
		record(FilterSizing, types.FilterPass,
			fmt.Sprintf("risk %s within caps", perTradeRisk.StringFixed(0)))
	}
	if verdict.Blocked {
		return verdict, nil
	}

	// 2. Confidence vs the adaptive threshold. Equality passes.
	if in.Prediction.Confidence < threshold {
		record(FilterConfidence, types.FilterBlock,
			fmt.Sprintf("confidence %.1f below threshold %.0f", in.Prediction.Confidence, threshold))
		return verdict, nil
	}
	record(FilterConfidence, types.FilterPass,
		fmt.Sprintf("confidence %.1f >= threshold %.0f", in.Prediction.Confidence, threshold))

	// 3. Trend alignment on the 15-minute EMA relationship.
	trend := in.Vector.Get("ema_alignment")
	dir := 1.0
	if in.Prediction.Direction == types.DirectionSell {
		dir = -1.0
	}
	switch {
	case trend == 0:
		record(FilterTrend, types.FilterWarn, "15m trend neutral")
	case trend == dir:
		record(FilterTrend, types.FilterPass, "prediction aligned with 15m trend")
	case in.Prediction.Confidence < trendOverrideConfidence:
		record(FilterTrend, types.FilterBlock,
			fmt.Sprintf("against 15m trend with confidence %.1f < %.0f", in.Prediction.Confidence, trendOverrideConfidence))
	default:
		record(FilterTrend, types.FilterWarn, "against 15m trend, confidence override")
	}
	if verdict.Blocked {
		return verdict, nil
	}

	// 4. Entry quality: distance to the level the trade leans on.
	distATR := in.Vector.Get("dist_support_atr")
	level := "support"
	if in.Prediction.Direction == types.DirectionSell {
		distATR = in.Vector.Get("dist_resistance_atr")
		level = "resistance"
	}
	switch {
	case distATR <= 0.5:
		record(FilterEntry, types.FilterPass, fmt.Sprintf("GOOD entry, %.2f ATR from %s", distATR, level))
	case distATR <= 1.0:
		record(FilterEntry, types.FilterWarn, fmt.Sprintf("FAIR entry, %.2f ATR from %s", distATR, level))
	case in.Quality == types.QualityExcellent:
		record(FilterEntry, types.FilterWarn, fmt.Sprintf("POOR entry, %.2f ATR from %s, excellent setup override", distATR, level))
	default:
		record(FilterEntry, types.FilterBlock, fmt.Sprintf("POOR entry, %.2f ATR from %s", distATR, level))
	}
	if verdict.Blocked {
		return verdict, nil
	}

	// 5. Failure detection: stop-loss hits so far today.
	hits, err := c.repo.StopLossHits(in.Symbol, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	switch {
	case hits >= 3:
		record(FilterFailure, types.FilterBlock, fmt.Sprintf("%d stop-loss hits today, done for the day", hits))
	case hits == 2:
		record(FilterFailure, types.FilterWarn, "2 stop-loss hits today")
	default:
		record(FilterFailure, types.FilterPass, fmt.Sprintf("%d stop-loss hits today", hits))
	}

	return verdict, nil
}

// Threshold resolves the adaptive confidence threshold: the floor plus 2
// per loss in the last 10 snapshots, minus 1 per accumulated clean day,
// clamped to [floor, ceiling]. The resolved value is persisted for
// operator visibility.
func (c *Chain) Threshold(symbol string) (float64, error) {
	snaps, err := c.repo.RecentSnapshots(symbol, lossWindow)
	if err != nil {
		return 0, err
	}
	losses := 0
	for _, s := range snaps {
		if s.Outcome == types.OutcomeLoss {
			losses++
		}
	}

	credit := 0
	if raw, ok, err := c.repo.GetConfig(cleanDaysKey); err != nil {
		return 0, err
	} else if ok {
		if v, perr := strconv.Atoi(raw); perr == nil {
			credit = v
		}
	}

	threshold := c.floor + 2*float64(losses) - float64(credit)
	if threshold < c.floor {
		threshold = c.floor
	}
	if threshold > c.ceiling {
		threshold = c.ceiling
	}

	if err := c.repo.SetConfig(thresholdKey, strconv.FormatFloat(threshold, 'f', 0, 64)); err != nil {
		return 0, err
	}
	return threshold, nil
}

// RecordDayRoll advances the clean-day decay counter at a session
// boundary. A clean previous day earns one point of decay; a day with a
// loss resets the credit.
func (c *Chain) RecordDayRoll(cleanDay bool) error {
	credit := 0
	if raw, ok, err := c.repo.GetConfig(cleanDaysKey); err != nil {
		return err
	} else if ok {
		if v, perr := strconv.Atoi(raw); perr == nil {
			credit = v
		}
	}

	if cleanDay {
		credit++
		if max := int(c.ceiling - c.floor); credit > max {
			credit = max
		}
	} else {
		credit = 0
	}

	log.Info().Int("clean_days", credit).Msg("Adaptive threshold day roll")
	return c.repo.SetConfig(cleanDaysKey, strconv.Itoa(credit))
}

// sessionDay returns the IST midnight-to-midnight window containing t
func sessionDay(t time.Time) (time.Time, time.Time) {
	ist := t.In(market.IST())
	start := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, market.IST())
	return start, start.Add(24 * time.Hour)
}
