package engine

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/internal/config"
	"github.com/AK47-U/Nifty-OB/types"
)

// OutcomeStore resolves a pending snapshot exactly once
type OutcomeStore interface {
	UpdateOutcome(id uint, outcome string, realizedPL decimal.Decimal) (bool, error)
}

// Watcher resolves active plans against the live tick stream. Target
// and stop loss are spot levels on the underlying; realized P&L is the
// planned point distance scaled by lots and lot size.
type Watcher struct {
	cfg     *config.Config
	store   OutcomeStore
	state   *State
	metrics Metrics

	onOutcome func(symbol string, ev types.OutcomeEvent)
}

func NewWatcher(cfg *config.Config, store OutcomeStore, state *State, metrics Metrics) *Watcher {
	return &Watcher{cfg: cfg, store: store, state: state, metrics: metrics}
}

// SetOutcomeCallback registers a hook fired once per resolved plan.
// Must be called before ticks start flowing.
func (w *Watcher) SetOutcomeCallback(cb func(symbol string, ev types.OutcomeEvent)) {
	w.onOutcome = cb
}

// HandleTick checks one LTP against the symbol's active plan
func (w *Watcher) HandleTick(symbol string, price float64, now time.Time) {
	pos, ok := w.state.Active(symbol)
	if !ok || pos.Status == types.PositionClosed || pos.Plan == nil || pos.Expired(now) {
		return
	}
	plan := pos.Plan

	ltp := decimal.NewFromFloat(price)
	var outcome string
	switch plan.Direction {
	case types.DirectionBuy:
		if ltp.GreaterThanOrEqual(plan.Target) {
			outcome = types.OutcomeWin
		} else if ltp.LessThanOrEqual(plan.StopLoss) {
			outcome = types.OutcomeLoss
		}
	case types.DirectionSell:
		if ltp.LessThanOrEqual(plan.Target) {
			outcome = types.OutcomeWin
		} else if ltp.GreaterThanOrEqual(plan.StopLoss) {
			outcome = types.OutcomeLoss
		}
	}
	if outcome == "" {
		return
	}

	pl := w.realizedPL(symbol, plan, outcome)

	updated, err := w.store.UpdateOutcome(pos.SnapshotID, outcome, pl)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Uint("snapshot", pos.SnapshotID).Msg("Failed to record outcome")
		return
	}
	w.state.ClosePosition(symbol, pos.SnapshotID)
	if !updated {
		// Already resolved elsewhere (expiry sweep or a racing tick).
		return
	}

	if w.metrics != nil {
		w.metrics.RecordOutcome(symbol, outcome)
	}

	streamName := "TARGET"
	if outcome == types.OutcomeWin {
		log.Info().
			Str("symbol", symbol).
			Float64("ltp", price).
			Str("pl", pl.StringFixed(2)).
			Msg("🎯 Target hit")
	} else {
		streamName = "SL"
		log.Info().
			Str("symbol", symbol).
			Float64("ltp", price).
			Str("pl", pl.StringFixed(2)).
			Msg("🛑 Stop loss hit")
	}

	if w.onOutcome != nil {
		w.onOutcome(symbol, types.OutcomeEvent{
			Type:      "outcome",
			Outcome:   streamName,
			Direction: plan.Direction,
			Price:     price,
			PL:        pl,
		})
	}
}

// realizedPL books the planned distance, not the crossing tick: gap
// moves through a level do not inflate or shrink the result.
func (w *Watcher) realizedPL(symbol string, plan *types.TradePlan, outcome string) decimal.Decimal {
	lotSize := 1
	if inst, ok := w.cfg.Instrument(symbol); ok {
		lotSize = inst.LotSize
	}
	scale := decimal.NewFromInt(int64(plan.PositionLots)).Mul(decimal.NewFromInt(int64(lotSize)))

	if outcome == types.OutcomeWin {
		return plan.Target.Sub(plan.Entry).Abs().Mul(scale)
	}
	return plan.Entry.Sub(plan.StopLoss).Abs().Mul(scale).Neg()
}
