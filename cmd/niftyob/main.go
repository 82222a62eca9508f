// Nifty-OB - Intraday Options Signal Engine for Indian Index Options
//
// Generates option buying plans for NIFTY and SENSEX on a fixed cadence:
//
// 1. Stream index ticks from the Dhan market feed into 5-minute bars
// 2. Compute the feature vector and classify the market condition
// 3. Score direction and confidence with a gradient-boosted model
// 4. Gate the signal through the risk and quality filter chain
// 5. Emit entry/target/SL plans and watch them to target or stop
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/config"
	"github.com/AK47-U/Nifty-OB/internal/database"
	"github.com/AK47-U/Nifty-OB/internal/dhan"
	"github.com/AK47-U/Nifty-OB/internal/engine"
	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/internal/metrics"
	"github.com/AK47-U/Nifty-OB/internal/notify"
	"github.com/AK47-U/Nifty-OB/internal/predictor"
	"github.com/AK47-U/Nifty-OB/internal/server"
	"github.com/AK47-U/Nifty-OB/types"
)

const version = "1.0.0"

const (
	// bufferDepth covers the 200-bar feature window plus prior-day context
	bufferDepth = 400
	// seedDays of history fetched at boot; generous so holidays do not
	// leave the feature window short
	seedDays = 10

	tokenKey       = "broker_access_token"
	tokenExpiryKey = "broker_token_expiry"
)

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Dur("cadence", cfg.Cadence()).
		Msg("📈 Nifty-OB signal engine starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. GBM predictor - trade plans require a loaded artifact
	pred := predictor.New()
	if err := pred.LoadFile(cfg.ModelPath); err != nil {
		log.Warn().Err(err).Str("path", cfg.ModelPath).
			Msg("⚠️ Model artifact not loaded - engine will WAIT until one is provided")
	}

	// 2. Broker REST client. Prefer a token a previous run persisted
	// after refresh over the one in the environment.
	creds := dhan.Credentials{
		ClientID:    cfg.BrokerClientID,
		APIKey:      cfg.BrokerAPIKey,
		APISecret:   cfg.BrokerAPISecret,
		AccessToken: cfg.BrokerAccessToken,
		TokenExpiry: cfg.BrokerTokenExpiry,
	}
	if stored, ok, err := db.GetConfig(tokenKey); err == nil && ok && stored != "" {
		if raw, ok, _ := db.GetConfig(tokenExpiryKey); ok {
			if exp, perr := time.Parse(time.RFC3339, raw); perr == nil && exp.After(creds.TokenExpiry) {
				creds.AccessToken = stored
				creds.TokenExpiry = exp
				log.Info().Time("expiry", exp).Msg("🔑 Restored broker token from storage")
			}
		}
	}

	client := dhan.NewClient(cfg.BrokerBaseURL, creds)
	client.SetTokenRefreshHook(func(token string, expiry time.Time) {
		if err := db.SetConfig(tokenKey, token); err != nil {
			log.Warn().Err(err).Msg("Failed to persist refreshed token")
			return
		}
		if err := db.SetConfig(tokenExpiryKey, expiry.Format(time.RFC3339)); err != nil {
			log.Warn().Err(err).Msg("Failed to persist token expiry")
		}
	})
	if err := client.EnsureFreshToken(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Token refresh failed - continuing with the configured token")
	}

	// 3. Candle buffers, seeded from broker history
	buffers := make(map[string]*market.Buffer, len(cfg.Symbols))
	bySecurity := make(map[uint32]string, len(cfg.Symbols))
	instruments := make([]types.Instrument, 0, len(cfg.Symbols))

	now := time.Now()
	for _, symbol := range cfg.Symbols {
		inst, _ := cfg.Instrument(symbol)
		instruments = append(instruments, inst)
		bySecurity[inst.SecurityID] = symbol

		buf := market.NewBuffer(symbol, bufferDepth)
		candles, err := client.GetHistoricalCandles(ctx, inst, 5, seedDays)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).
				Msg("⚠️ History seed failed - waiting for live bars")
		} else {
			buf.Seed(candles, now)
			log.Info().Str("symbol", symbol).Int("candles", len(candles)).Msg("🕯 Buffer seeded")
		}
		buffers[symbol] = buf
	}

	// 4. Engine: shared state, metrics, pipeline, scheduler, watcher
	state := engine.NewState()
	rec := metrics.New()

	pipeline := engine.NewPipeline(cfg, db, client, pred, state, rec)
	watcher := engine.NewWatcher(cfg, db, state, rec)
	sched := engine.NewScheduler(cfg, pipeline, db, state, buffers, client, rec)

	// 5. Stream hub and Telegram notifier
	hub := server.NewHub()

	notifier, err := notify.New(cfg, db, state, buffers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram notifier")
	}

	sched.SetResultCallback(notifier.HandleResult)
	watcher.SetOutcomeCallback(func(symbol string, ev types.OutcomeEvent) {
		notifier.HandleOutcome(symbol, ev)
		hub.PublishOutcome(symbol, ev)
	})

	// 6. Market feed - ticks drive bars, the outcome watcher, and the
	// websocket stream
	feed := dhan.NewFeed(cfg.BrokerFeedURL, client, instruments)
	feed.SetReconnectHook(rec.RecordReconnect)
	feed.SetTickCallback(func(tick types.Tick) {
		symbol, ok := bySecurity[tick.SecurityID]
		if !ok {
			return
		}

		_, applied := buffers[symbol].ApplyTick(tick)
		rec.RecordTick(symbol, tick.Price)
		if !applied {
			rec.RecordLateTick(symbol)
		}

		watcher.HandleTick(symbol, tick.Price, tick.Time)
		hub.PublishTick(symbol, tick.Price, tick.Time)
	})
	if err := feed.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start market feed")
	}

	// 7. Surfaces: API server and metrics listener
	srv := server.NewServer(cfg, db, state, buffers, feed, hub)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("API server stopped")
		}
	}()
	go metrics.Serve(cfg.MetricsPort)

	// 8. Start evaluating
	sched.Start()
	notifier.Start()

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║      INTRADAY SIGNAL ENGINE ACTIVE       ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msgf("║  Symbols: %-30s ║", strings.Join(cfg.Symbols, ", "))
	log.Info().Msgf("║  Cadence: %-30s ║", cfg.Cadence())
	log.Info().Msg("║  → Stream ticks, seal 5-minute bars      ║")
	log.Info().Msg("║  → Classify condition, score quality     ║")
	log.Info().Msg("║  → Emit plans, watch target and stop     ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	sched.Stop()
	feed.Stop()
	notifier.Stop()
	if err := srv.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("API server shutdown error")
	}

	log.Info().Msg("👋 Goodbye!")
}
