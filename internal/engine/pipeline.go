package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/internal/condition"
	"github.com/AK47-U/Nifty-OB/internal/config"
	"github.com/AK47-U/Nifty-OB/internal/database"
	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/internal/filters"
	"github.com/AK47-U/Nifty-OB/internal/planner"
	"github.com/AK47-U/Nifty-OB/internal/predictor"
	"github.com/AK47-U/Nifty-OB/types"
)

// Broker supplies option chains for the feature and planning stages
type Broker interface {
	NearestExpiry(ctx context.Context, inst types.Instrument) (string, error)
	GetOptionChain(ctx context.Context, inst types.Instrument, expiry string) (*types.OptionChain, error)
}

// Repository is the slice of the metrics store the engine writes
type Repository interface {
	filters.Repository
	SaveSnapshot(s *database.Snapshot) error
	UpdateOutcome(id uint, outcome string, realizedPL decimal.Decimal) (bool, error)
	ExpireStalePending(cutoff time.Time) (int64, error)
	SaveMarketStructure(ms *database.MarketStructure) error
	SummarizeDay(symbol string, dayStart, dayEnd time.Time) (*database.DailySummary, error)
	Purge(olderThanDays int) (int64, error)
}

// Metrics is the slice of the recorder the engine drives. May be nil.
type Metrics interface {
	RecordCadence(symbol, action string, elapsed time.Duration)
	RecordFilterBlock(symbol, filter string)
	RecordSnapshot(symbol string)
	RecordOutcome(symbol, outcome string)
	RecordThreshold(symbol string, value float64)
}

// Pipeline runs one full evaluation: features, regime, prediction,
// filters, plan, persistence.
type Pipeline struct {
	cfg       *config.Config
	repo      Repository
	broker    Broker
	engineer  *features.Engineer
	predictor *predictor.Predictor
	filters   *filters.Chain
	state     *State
	metrics   Metrics
}

func NewPipeline(cfg *config.Config, repo Repository, broker Broker, pred *predictor.Predictor, state *State, metrics Metrics) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		repo:      repo,
		broker:    broker,
		engineer:  features.NewEngineer(),
		predictor: pred,
		filters:   filters.New(repo, cfg.MaxPerTradeLoss, cfg.MaxDailyLoss, cfg.ConfidenceFloor, cfg.ConfidenceCeiling),
		state:     state,
		metrics:   metrics,
	}
}

// Request is one cadence evaluation input
type Request struct {
	Symbol  string
	Candles []types.Candle
	Spot    float64
	Active  *types.ActivePosition
	Now     time.Time
}

// Evaluate runs the pipeline once. All domain-level failures fold into a
// WAIT result with an audit row; the returned error is reserved for
// repository faults.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (*types.PipelineResult, error) {
	inst, ok := p.cfg.Instrument(req.Symbol)
	if !ok {
		return &types.PipelineResult{Action: types.ActionWait, Reason: "unknown symbol"}, nil
	}

	chain := p.fetchChain(ctx, inst)

	vector, levels, err := p.engineer.Compute(req.Symbol, req.Candles, chain, req.Now)
	if err != nil {
		if errors.Is(err, features.ErrInsufficientData) {
			log.Warn().Str("symbol", req.Symbol).Int("candles", len(req.Candles)).Msg("Not enough history for features")
			return p.waitResult(req, nil, "", "", types.Prediction{}, nil, "insufficient candle history")
		}
		return nil, err
	}

	if levels != nil {
		ms := &database.MarketStructure{
			Timestamp:  req.Now,
			Symbol:     req.Symbol,
			Pivot:      levels.Pivot,
			TC:         levels.TC,
			BC:         levels.BC,
			VWAP:       levels.VWAP,
			Resistance: levels.Resistance,
			Support:    levels.Support,
			PrevHigh:   levels.PrevHigh,
			PrevLow:    levels.PrevLow,
			PrevClose:  levels.PrevClose,
		}
		if err := p.repo.SaveMarketStructure(ms); err != nil {
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("Failed to save market structure")
		}
	}

	cond := condition.Classify(vector)
	qual := condition.Score(vector)

	pred, err := p.predictor.Predict(vector)
	if err != nil {
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("Prediction unavailable")
		return p.waitResult(req, vector, cond, qual, types.Prediction{}, nil, "prediction unavailable: "+err.Error())
	}

	// An in-force plan under an unchanged regime is held, not re-traded.
	if req.Active != nil && !req.Active.Expired(req.Now) &&
		req.Active.Status != types.PositionClosed && req.Active.Plan != nil &&
		req.Active.Plan.Condition == cond && req.Active.Plan.Direction == pred.Direction {
		log.Info().
			Str("symbol", req.Symbol).
			Str("condition", string(cond)).
			Str("direction", string(pred.Direction)).
			Msg("⏸ Holding active plan, structure unchanged")
		return &types.PipelineResult{
			Action:    types.ActionHold,
			Plan:      req.Active.Plan,
			Condition: cond,
			Quality:   qual,
			Status:    types.PositionHold,
		}, nil
	}

	params := condition.Params(cond, qual, vector.Get("atr_14"))

	verdict, err := p.filters.Evaluate(filters.Input{
		Symbol:     req.Symbol,
		Vector:     vector,
		Condition:  cond,
		Quality:    qual,
		Prediction: pred,
		Params:     params,
		Instrument: inst,
		Now:        req.Now,
	})
	if err != nil {
		return nil, err
	}
	if p.state != nil {
		p.state.SetThreshold(req.Symbol, verdict.Threshold)
	}
	if p.metrics != nil {
		p.metrics.RecordThreshold(req.Symbol, verdict.Threshold)
	}

	if verdict.Blocked {
		if p.metrics != nil {
			for _, r := range verdict.Results {
				if r.Status == types.FilterBlock {
					p.metrics.RecordFilterBlock(req.Symbol, r.Name)
				}
			}
		}
		return p.waitResult(req, vector, cond, qual, pred, verdict, verdict.Reason)
	}

	plan, err := planner.Build(planner.Request{
		Symbol:          req.Symbol,
		Spot:            req.Spot,
		Vector:          vector,
		Condition:       cond,
		Quality:         qual,
		Prediction:      pred,
		Params:          params,
		Instrument:      inst,
		Levels:          levels,
		Chain:           p.engineerChain(chain),
		Filters:         verdict.Results,
		BaseLots:        p.cfg.BaseLots,
		MaxPerTradeLoss: p.cfg.MaxPerTradeLoss,
		Capital:         p.cfg.Capital,
		Validity:        p.cfg.LevelValidity(),
		Now:             req.Now,
	})
	if err != nil {
		if errors.Is(err, planner.ErrUnfavorableRiskReward) || errors.Is(err, planner.ErrZeroPosition) || errors.Is(err, planner.ErrUnaffordable) {
			log.Info().Err(err).Str("symbol", req.Symbol).Msg("Plan aborted at pricing")
			return p.waitResult(req, vector, cond, qual, pred, verdict, err.Error())
		}
		return nil, err
	}

	snap := p.buildSnapshot(req, vector, cond, qual, pred, verdict, plan, types.OutcomePending)
	if err := p.repo.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordSnapshot(req.Symbol)
	}

	return &types.PipelineResult{
		Action:     types.ActionTrade,
		Plan:       plan,
		Condition:  cond,
		Quality:    qual,
		Status:     types.PositionOpen,
		SnapshotID: snap.ID,
	}, nil
}

// DayRoll applies the session-boundary threshold decay. cleanDay is
// true when the previous session closed without a stop loss hit.
func (p *Pipeline) DayRoll(cleanDay bool) error {
	return p.filters.RecordDayRoll(cleanDay)
}

// fetchChain pulls a fresh option chain, tolerating failures: the
// engineer falls back to its cached chain and flags the options block
// stale.
func (p *Pipeline) fetchChain(ctx context.Context, inst types.Instrument) *types.OptionChain {
	expiry, err := p.broker.NearestExpiry(ctx, inst)
	if err != nil {
		log.Warn().Err(err).Str("symbol", inst.Symbol).Msg("Expiry list unavailable, reusing cached chain")
		return nil
	}
	chain, err := p.broker.GetOptionChain(ctx, inst, expiry)
	if err != nil {
		log.Warn().Err(err).Str("symbol", inst.Symbol).Msg("Option chain unavailable, reusing cached chain")
		return nil
	}
	return chain
}

// engineerChain returns the chain the planner should price from: the
// fresh one when available, else the engineer's cached copy.
func (p *Pipeline) engineerChain(fresh *types.OptionChain) *types.OptionChain {
	if fresh != nil {
		return fresh
	}
	return p.engineer.LastChain()
}

// waitResult persists a WAIT audit row and shapes the result
func (p *Pipeline) waitResult(req Request, vector *features.Vector, cond types.MarketCondition, qual types.SetupQuality, pred types.Prediction, verdict *filters.Verdict, reason string) (*types.PipelineResult, error) {
	snap := p.buildSnapshot(req, vector, cond, qual, pred, verdict, nil, types.OutcomeWait)
	if err := p.repo.SaveSnapshot(snap); err != nil {
		return nil, err
	}

	status := ""
	if req.Active != nil && !req.Active.Expired(req.Now) {
		status = req.Active.Status
	}
	return &types.PipelineResult{
		Action:     types.ActionWait,
		Reason:     reason,
		Condition:  cond,
		Quality:    qual,
		Status:     status,
		SnapshotID: snap.ID,
	}, nil
}

// buildSnapshot assembles the audit row for one evaluation
func (p *Pipeline) buildSnapshot(req Request, vector *features.Vector, cond types.MarketCondition, qual types.SetupQuality, pred types.Prediction, verdict *filters.Verdict, plan *types.TradePlan, outcome string) *database.Snapshot {
	snap := &database.Snapshot{
		Timestamp:  req.Now,
		Symbol:     req.Symbol,
		Condition:  string(cond),
		Quality:    string(qual),
		Direction:  string(pred.Direction),
		Confidence: pred.Confidence,
		Entry:      decimal.Zero,
		Target:     decimal.Zero,
		StopLoss:   decimal.Zero,
		RiskReward: decimal.Zero,
		RealizedPL: decimal.Zero,
		Outcome:    outcome,
	}

	if vector != nil {
		if blob, err := json.Marshal(vector); err == nil {
			snap.FeaturesBlob = string(blob)
		}
	}
	if verdict != nil {
		if blob, err := json.Marshal(verdict.Results); err == nil {
			snap.FiltersBlob = string(blob)
		}
	}
	if plan != nil {
		snap.Entry = plan.Entry
		snap.Target = plan.Target
		snap.StopLoss = plan.StopLoss
		snap.RiskReward = plan.RiskReward
		snap.PositionLots = plan.PositionLots
		snap.Strike = plan.Strike
		snap.OptionType = string(plan.OptionType)
	}
	return snap
}
