package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a predicted move on the underlying index
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Action is the control outcome of one cadence evaluation
type Action string

const (
	ActionTrade Action = "TRADE"
	ActionHold  Action = "HOLD"
	ActionWait  Action = "WAIT"
)

// MarketCondition is the volatility regime bucket
type MarketCondition string

const (
	ConditionQuiet   MarketCondition = "QUIET"
	ConditionNormal  MarketCondition = "NORMAL"
	ConditionHigh    MarketCondition = "HIGH"
	ConditionExtreme MarketCondition = "EXTREME"
)

// SetupQuality is the aggregate layer-score bucket
type SetupQuality string

const (
	QualityWeak      SetupQuality = "WEAK"
	QualityModerate  SetupQuality = "MODERATE"
	QualityStrong    SetupQuality = "STRONG"
	QualityExcellent SetupQuality = "EXCELLENT"
)

// OptionType on the contract leg
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// FilterStatus is the verdict of a single gate
type FilterStatus string

const (
	FilterPass  FilterStatus = "PASS"
	FilterWarn  FilterStatus = "WARN"
	FilterBlock FilterStatus = "BLOCK"
)

// Snapshot outcome states
const (
	OutcomePending = "PENDING"
	OutcomeWin     = "WIN"
	OutcomeLoss    = "LOSS"
	OutcomeExpired = "EXPIRED"
	OutcomeWait    = "WAIT"
)

// Active position status
const (
	PositionOpen   = "OPEN"
	PositionHold   = "HOLD"
	PositionClosed = "CLOSED"
)

// Tick is one LTP update from the market feed
type Tick struct {
	SecurityID uint32
	Exchange   uint16
	Price      float64
	Time       time.Time
}

// Candle is a single 5-minute OHLCV bar. Timestamp is the bar start,
// always a multiple of 300 seconds in IST.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Range returns high minus low
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// Body returns the absolute open-close distance
func (c Candle) Body() float64 {
	d := c.Close - c.Open
	if d < 0 {
		return -d
	}
	return d
}

// Instrument is one tradeable underlying with its contract parameters
type Instrument struct {
	Symbol          string `yaml:"symbol"`
	SecurityID      uint32 `yaml:"security_id"`
	ExchangeSegment string `yaml:"exchange_segment"`
	LotSize         int    `yaml:"lot_size"`
	StrikeStep      int    `yaml:"strike_step"`
}

// OptionQuote is one side (CE or PE) of an option-chain row
type OptionQuote struct {
	Bid   float64
	Ask   float64
	LTP   float64
	OI    float64
	IV    float64
	Delta float64
}

// Mid returns the bid/ask midpoint, falling back to LTP when the book is empty
func (q OptionQuote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.LTP
}

// OptionChainRow is a single strike with both legs
type OptionChainRow struct {
	Strike float64
	Call   OptionQuote
	Put    OptionQuote
}

// OptionChain is a point-in-time snapshot of the chain for one underlying
type OptionChain struct {
	Underlying string
	Expiry     string
	FetchedAt  time.Time
	Spot       float64
	Rows       []OptionChainRow
}

// RowAt returns the chain row at the given strike, or nil
func (oc *OptionChain) RowAt(strike float64) *OptionChainRow {
	for i := range oc.Rows {
		if oc.Rows[i].Strike == strike {
			return &oc.Rows[i]
		}
	}
	return nil
}

// Stale reports whether the chain snapshot is older than maxAge
func (oc *OptionChain) Stale(now time.Time, maxAge time.Duration) bool {
	return oc == nil || now.Sub(oc.FetchedAt) > maxAge
}

// Prediction is the model output for one feature vector
type Prediction struct {
	Direction  Direction
	Confidence float64 // 100 * max(UpProb, DownProb)
	UpProb     float64
	DownProb   float64
}

// TradeParams is one cell of the condition x quality parameter matrix
type TradeParams struct {
	StopLossPoints     float64
	Target1Points      float64
	Target2Points      float64
	PositionMultiplier float64
}

// FilterResult is the verdict of one gate in the chain
type FilterResult struct {
	Name   string       `json:"name"`
	Status FilterStatus `json:"status"`
	Reason string       `json:"reason"`
}

// TradePlan is the single actionable output of one pipeline run
type TradePlan struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Condition     MarketCondition `json:"condition"`
	Quality       SetupQuality    `json:"quality"`
	Confidence    float64         `json:"confidence"`
	Entry         decimal.Decimal `json:"entry"`
	Target        decimal.Decimal `json:"target"`
	Target2       decimal.Decimal `json:"target2"`
	StopLoss      decimal.Decimal `json:"stoploss"`
	RiskReward    decimal.Decimal `json:"risk_reward"`
	PositionLots  int             `json:"position_size_lots"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	Strike        int             `json:"strike"`
	OptionType    OptionType      `json:"option_type"`
	PremiumEntry  decimal.Decimal `json:"premium_entry"`
	PremiumTarget decimal.Decimal `json:"premium_target"`
	PremiumSL     decimal.Decimal `json:"premium_sl"`
	ProjectedPL   decimal.Decimal `json:"projected_pl"`
	FiltersStatus []FilterResult  `json:"filters_status"`
	Rationale     []string        `json:"rationale"`
	GeneratedAt   time.Time       `json:"generated_at"`
	ValidUntil    time.Time       `json:"valid_until"`
}

// ActivePosition is the in-memory record of the most recent non-WAIT plan
type ActivePosition struct {
	SnapshotID uint
	Plan       *TradePlan
	Status     string // OPEN, HOLD, CLOSED
	EmittedAt  time.Time
	ValidUntil time.Time
}

// Expired reports whether the validity window has elapsed
func (p *ActivePosition) Expired(now time.Time) bool {
	return p == nil || now.After(p.ValidUntil)
}

// PipelineResult is what one cadence evaluation returns to callers
type PipelineResult struct {
	Action     Action          `json:"action"`
	Reason     string          `json:"reason,omitempty"`
	Plan       *TradePlan      `json:"plan,omitempty"`
	Condition  MarketCondition `json:"condition,omitempty"`
	Quality    SetupQuality    `json:"quality,omitempty"`
	Status     string          `json:"position_status,omitempty"`
	SnapshotID uint            `json:"-"`
}

// LevelSet carries the intraday reference levels for the dashboard
type LevelSet struct {
	Symbol     string  `json:"symbol"`
	Pivot      float64 `json:"pivot"`
	TC         float64 `json:"tc"`
	BC         float64 `json:"bc"`
	VWAP       float64 `json:"vwap"`
	Resistance float64 `json:"resistance"`
	Support    float64 `json:"support"`
	PrevHigh   float64 `json:"prev_high"`
	PrevLow    float64 `json:"prev_low"`
	PrevClose  float64 `json:"prev_close"`
}

// OutcomeEvent is pushed to stream subscribers when the watcher resolves a plan
type OutcomeEvent struct {
	Type      string          `json:"type"` // always "outcome"
	Outcome   string          `json:"outcome"`
	Direction Direction       `json:"direction"`
	Price     float64         `json:"price"`
	PL        decimal.Decimal `json:"realized_pl"`
}
