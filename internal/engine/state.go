package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/types"
)

// State is the single mutable record of pipeline progress: active
// positions, last results, adaptive thresholds, daily P&L. The scheduler
// and watcher write it; HTTP handlers and the notifier read copies.
type State struct {
	mu sync.RWMutex

	active     map[string]*types.ActivePosition
	lastResult map[string]*types.PipelineResult
	threshold  map[string]float64

	dailyPL     decimal.Decimal
	lastCadence time.Time
}

func NewState() *State {
	return &State{
		active:     make(map[string]*types.ActivePosition),
		lastResult: make(map[string]*types.PipelineResult),
		threshold:  make(map[string]float64),
		dailyPL:    decimal.Zero,
	}
}

// Active returns a copy of the active position for a symbol
func (s *State) Active(symbol string) (types.ActivePosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.active[symbol]
	if !ok || pos == nil {
		return types.ActivePosition{}, false
	}
	return *pos, true
}

// SetActive installs a new active position
func (s *State) SetActive(symbol string, pos *types.ActivePosition) {
	s.mu.Lock()
	s.active[symbol] = pos
	s.mu.Unlock()
}

// MarkHold flags the active position as held through another cadence
func (s *State) MarkHold(symbol string) {
	s.mu.Lock()
	if pos := s.active[symbol]; pos != nil {
		pos.Status = types.PositionHold
	}
	s.mu.Unlock()
}

// ClosePosition closes the active position when it still refers to the
// given snapshot. A newer position installed in between is left alone.
func (s *State) ClosePosition(symbol string, snapshotID uint) {
	s.mu.Lock()
	if pos := s.active[symbol]; pos != nil && pos.SnapshotID == snapshotID {
		pos.Status = types.PositionClosed
	}
	s.mu.Unlock()
}

// DropExpired clears the active position once its validity has elapsed
func (s *State) DropExpired(symbol string, now time.Time) {
	s.mu.Lock()
	if pos := s.active[symbol]; pos != nil && pos.Expired(now) {
		delete(s.active, symbol)
	}
	s.mu.Unlock()
}

// LastResult returns the most recent cadence result for a symbol
func (s *State) LastResult(symbol string) (types.PipelineResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lastResult[symbol]
	if !ok || r == nil {
		return types.PipelineResult{}, false
	}
	return *r, true
}

func (s *State) SetLastResult(symbol string, r *types.PipelineResult) {
	s.mu.Lock()
	s.lastResult[symbol] = r
	s.mu.Unlock()
}

// Threshold returns the adaptive confidence threshold last used for a symbol
func (s *State) Threshold(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold[symbol]
}

func (s *State) SetThreshold(symbol string, v float64) {
	s.mu.Lock()
	s.threshold[symbol] = v
	s.mu.Unlock()
}

// DailyPL returns the realized P&L booked so far today
func (s *State) DailyPL() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyPL
}

func (s *State) SetDailyPL(pl decimal.Decimal) {
	s.mu.Lock()
	s.dailyPL = pl
	s.mu.Unlock()
}

// LastCadence returns when the scheduler last completed a run
func (s *State) LastCadence() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCadence
}

func (s *State) SetLastCadence(t time.Time) {
	s.mu.Lock()
	s.lastCadence = t
	s.mu.Unlock()
}
