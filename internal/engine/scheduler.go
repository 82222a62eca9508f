package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/config"
	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

// evaluationTimeout caps one full pipeline pass; overruns are abandoned
const evaluationTimeout = 10 * time.Second

// config_kv key tracking the last session date seen by the scheduler
const sessionDateKey = "last_session_date"

// TokenKeeper proactively refreshes broker credentials ahead of expiry
type TokenKeeper interface {
	EnsureFreshToken(ctx context.Context) error
}

// Scheduler drives the cadence loop: every cadence interval inside
// market hours it evaluates each configured symbol and updates the
// shared state. Day boundaries trigger summaries, threshold decay, and
// retention purges.
type Scheduler struct {
	cfg      *config.Config
	pipeline *Pipeline
	repo     Repository
	state    *State
	buffers  map[string]*market.Buffer
	tokens   TokenKeeper
	metrics  Metrics

	onResult func(symbol string, result *types.PipelineResult)

	running bool
	stopCh  chan struct{}
}

func NewScheduler(cfg *config.Config, pipeline *Pipeline, repo Repository, state *State, buffers map[string]*market.Buffer, tokens TokenKeeper, metrics Metrics) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		pipeline: pipeline,
		repo:     repo,
		state:    state,
		buffers:  buffers,
		tokens:   tokens,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

// SetResultCallback registers a hook fired after every evaluation.
// Must be called before Start.
func (s *Scheduler) SetResultCallback(cb func(symbol string, result *types.PipelineResult)) {
	s.onResult = cb
}

// Start launches the cadence loop
func (s *Scheduler) Start() {
	s.running = true
	go s.loop()
	log.Info().Dur("cadence", s.cfg.Cadence()).Msg("⏱ Cadence scheduler started")
}

// Stop halts the loop
func (s *Scheduler) Stop() {
	s.running = false
	close(s.stopCh)
}

func (s *Scheduler) loop() {
	// Evaluate immediately so a mid-session restart does not idle
	// until the next tick.
	s.RunOnce(time.Now())

	ticker := time.NewTicker(s.cfg.Cadence())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one cadence pass over all symbols. Outside market
// hours it is a no-op; the feed stays connected regardless.
func (s *Scheduler) RunOnce(now time.Time) {
	ist := now.In(market.IST())
	if !s.inSession(ist) {
		log.Debug().Time("now", ist).Msg("Outside market hours, cadence skipped")
		return
	}

	ctx := context.Background()
	if s.tokens != nil {
		if err := s.tokens.EnsureFreshToken(ctx); err != nil {
			log.Error().Err(err).Msg("Proactive token refresh failed")
		}
	}

	s.rollDay(ist)

	if _, err := s.repo.ExpireStalePending(now.Add(-s.cfg.LevelValidity())); err != nil {
		log.Warn().Err(err).Msg("Failed to expire stale pending snapshots")
	}

	for _, symbol := range s.cfg.Symbols {
		s.evaluate(ctx, symbol, ist)
	}

	dayStart, dayEnd := istDayBounds(ist)
	if pl, err := s.repo.DailyRealizedPL("", dayStart, dayEnd); err == nil {
		s.state.SetDailyPL(pl)
	}
	s.state.SetLastCadence(now)
}

func (s *Scheduler) inSession(ist time.Time) bool {
	if wd := ist.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	sessionOpen, sessionClose := s.cfg.SessionBounds(ist)
	return !ist.Before(sessionOpen) && !ist.After(sessionClose)
}

// evaluate runs the pipeline for one symbol under a hard timeout
func (s *Scheduler) evaluate(ctx context.Context, symbol string, now time.Time) {
	buf := s.buffers[symbol]
	if buf == nil {
		return
	}

	s.state.DropExpired(symbol, now)

	var active *types.ActivePosition
	if pos, ok := s.state.Active(symbol); ok {
		active = &pos
	}

	cctx, cancel := context.WithTimeout(ctx, evaluationTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.pipeline.Evaluate(cctx, Request{
		Symbol:  symbol,
		Candles: buf.Snapshot(),
		Spot:    buf.LastPrice(),
		Active:  active,
		Now:     now,
	})
	elapsed := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Dur("elapsed", elapsed).Msg("Cadence evaluation failed")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordCadence(symbol, string(result.Action), elapsed)
	}

	switch result.Action {
	case types.ActionTrade:
		s.state.SetActive(symbol, &types.ActivePosition{
			SnapshotID: result.SnapshotID,
			Plan:       result.Plan,
			Status:     types.PositionOpen,
			EmittedAt:  now,
			ValidUntil: result.Plan.ValidUntil,
		})
	case types.ActionHold:
		s.state.MarkHold(symbol)
	}
	s.state.SetLastResult(symbol, result)

	log.Info().
		Str("symbol", symbol).
		Str("action", string(result.Action)).
		Str("reason", result.Reason).
		Dur("took", elapsed).
		Msg("📊 Cadence evaluated")

	if s.onResult != nil {
		s.onResult(symbol, result)
	}
}

// rollDay closes out the previous session on the first run of a new
// date: daily summaries, clean-day threshold decay, retention purge
func (s *Scheduler) rollDay(ist time.Time) {
	today := ist.Format("2006-01-02")
	stored, ok, err := s.repo.GetConfig(sessionDateKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read session date")
		return
	}
	if ok && stored == today {
		return
	}

	if ok && stored != "" {
		prevStart, prevEnd, perr := dayBoundsFor(stored)
		if perr == nil {
			clean := true
			for _, symbol := range s.cfg.Symbols {
				hits, herr := s.repo.StopLossHits(symbol, prevStart, prevEnd)
				if herr != nil {
					log.Warn().Err(herr).Str("symbol", symbol).Msg("Failed to count stop loss hits")
					clean = false
					continue
				}
				if hits > 0 {
					clean = false
				}
				if _, serr := s.repo.SummarizeDay(symbol, prevStart, prevEnd); serr != nil {
					log.Warn().Err(serr).Str("symbol", symbol).Msg("Failed to write daily summary")
				}
			}
			if derr := s.pipeline.DayRoll(clean); derr != nil {
				log.Warn().Err(derr).Msg("Failed to record day roll")
			}
		}

		if purged, err := s.repo.Purge(s.cfg.RetentionDays); err != nil {
			log.Warn().Err(err).Msg("Retention purge failed")
		} else if purged > 0 {
			log.Info().Int64("snapshots", purged).Int("retention_days", s.cfg.RetentionDays).Msg("🧹 Purged expired snapshots")
		}
	}

	if err := s.repo.SetConfig(sessionDateKey, today); err != nil {
		log.Warn().Err(err).Msg("Failed to store session date")
	}
}

// istDayBounds returns IST midnight bounds around t
func istDayBounds(t time.Time) (time.Time, time.Time) {
	ist := t.In(market.IST())
	start := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, market.IST())
	return start, start.Add(24 * time.Hour)
}

// dayBoundsFor parses a stored YYYY-MM-DD date into IST day bounds
func dayBoundsFor(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, market.IST())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return day, day.Add(24 * time.Hour), nil
}
