package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/AK47-U/Nifty-OB/types"
)

// Config holds all configuration for the signal engine
type Config struct {
	// Position sizing
	Capital         decimal.Decimal `validate:"required"`
	BaseLots        int             `default:"2" validate:"min=1"`
	MaxPerTradeLoss decimal.Decimal `validate:"required"`
	MaxDailyLoss    decimal.Decimal `validate:"required"`

	// Adaptive confidence threshold bounds
	ConfidenceFloor   float64 `default:"60" validate:"min=0,max=100"`
	ConfidenceCeiling float64 `default:"75" validate:"min=0,max=100,gtefield=ConfidenceFloor"`

	// Session window (IST wall clock, HH:MM)
	MarketOpen  string `default:"09:15" validate:"required"`
	MarketClose string `default:"15:30" validate:"required"`

	// Cadence and retention
	CadenceSeconds       int `default:"900" validate:"min=60"`
	LevelValiditySeconds int `default:"900" validate:"min=60"`
	RetentionDays        int `default:"30" validate:"min=1"`

	// Broker credentials and endpoints
	BrokerClientID    string `validate:"required"`
	BrokerAPIKey      string
	BrokerAPISecret   string
	BrokerAccessToken string `validate:"required"`
	BrokerTokenExpiry time.Time
	BrokerBaseURL     string `default:"https://api.dhan.co/v2"`
	BrokerFeedURL     string `default:"wss://api-feed.dhan.co"`

	// Instruments
	InstrumentsFile string `default:"config/instruments.yaml"`
	Symbols         []string
	Instruments     map[string]types.Instrument

	// Storage
	DatabasePath string `default:"data/niftyob.db"`

	// Surfaces
	HTTPPort    int    `default:"8080" validate:"min=1,max=65535"`
	MetricsPort int    `default:"9091" validate:"min=0,max=65535"`
	ModelPath   string `default:"models/gbm_intraday.json"`

	// Telegram (optional; notifier is disabled when token is empty)
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel string `default:"info"`
	Debug    bool
}

// instrumentCatalog is the on-disk shape of the instruments file
type instrumentCatalog struct {
	Instruments []types.Instrument `yaml:"instruments"`
}

// builtinInstruments keeps the engine usable when no catalog file is present.
// Lot sizes are contract values at time of authoring; override via the catalog.
var builtinInstruments = []types.Instrument{
	{Symbol: "NIFTY", SecurityID: 13, ExchangeSegment: "IDX_I", LotSize: 65, StrikeStep: 50},
	{Symbol: "SENSEX", SecurityID: 51, ExchangeSegment: "IDX_I", LotSize: 20, StrikeStep: 100},
}

// Load loads configuration from environment variables plus the instrument catalog
func Load() (*Config, error) {
	cfg := &Config{
		// Position sizing
		Capital:         getEnvDecimal("CAPITAL", decimal.NewFromInt(100000)),
		BaseLots:        getEnvInt("BASE_LOTS", 0),
		MaxPerTradeLoss: getEnvDecimal("MAX_PER_TRADE_LOSS", decimal.NewFromInt(2500)),
		MaxDailyLoss:    getEnvDecimal("MAX_DAILY_LOSS", decimal.NewFromInt(5000)),

		// Adaptive threshold
		ConfidenceFloor:   getEnvFloat("CONFIDENCE_FLOOR", 0),
		ConfidenceCeiling: getEnvFloat("CONFIDENCE_CEILING", 0),

		// Session
		MarketOpen:  os.Getenv("MARKET_OPEN"),
		MarketClose: os.Getenv("MARKET_CLOSE"),

		// Cadence
		CadenceSeconds:       getEnvInt("CADENCE_SECONDS", 0),
		LevelValiditySeconds: getEnvInt("LEVEL_VALIDITY_SECONDS", 0),
		RetentionDays:        getEnvInt("RETENTION_DAYS", 0),

		// Broker
		BrokerClientID:    os.Getenv("DHAN_CLIENT_ID"),
		BrokerAPIKey:      os.Getenv("DHAN_API_KEY"),
		BrokerAPISecret:   os.Getenv("DHAN_API_SECRET"),
		BrokerAccessToken: os.Getenv("DHAN_ACCESS_TOKEN"),
		BrokerBaseURL:     os.Getenv("DHAN_BASE_URL"),
		BrokerFeedURL:     os.Getenv("DHAN_FEED_URL"),

		// Instruments
		InstrumentsFile: os.Getenv("INSTRUMENTS_FILE"),

		// Storage and surfaces
		DatabasePath: os.Getenv("DATABASE_PATH"),
		HTTPPort:     getEnvInt("HTTP_PORT", 0),
		MetricsPort:  getEnvInt("METRICS_PORT", 0),
		ModelPath:    os.Getenv("MODEL_PATH"),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Logging
		LogLevel: os.Getenv("LOG_LEVEL"),
		Debug:    getEnvBool("DEBUG", false),
	}

	// Fill everything the environment left at zero
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Parse token expiry (RFC3339)
	if raw := os.Getenv("DHAN_TOKEN_EXPIRY"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DHAN_TOKEN_EXPIRY: %w", err)
		}
		cfg.BrokerTokenExpiry = ts
	}

	if err := cfg.loadInstruments(); err != nil {
		return nil, err
	}

	if raw := os.Getenv("SYMBOLS"); raw != "" {
		cfg.Symbols = splitList(raw)
	}
	if len(cfg.Symbols) == 0 {
		for _, inst := range builtinInstruments {
			cfg.Symbols = append(cfg.Symbols, inst.Symbol)
		}
	}
	for _, sym := range cfg.Symbols {
		if _, ok := cfg.Instruments[sym]; !ok {
			return nil, fmt.Errorf("symbol %s has no instrument definition", sym)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if _, _, err := parseClock(cfg.MarketOpen); err != nil {
		return nil, fmt.Errorf("invalid MARKET_OPEN: %w", err)
	}
	if _, _, err := parseClock(cfg.MarketClose); err != nil {
		return nil, fmt.Errorf("invalid MARKET_CLOSE: %w", err)
	}

	return cfg, nil
}

// loadInstruments reads the catalog file, falling back to the builtin set
func (c *Config) loadInstruments() error {
	c.Instruments = make(map[string]types.Instrument)

	data, err := os.ReadFile(c.InstrumentsFile)
	if err != nil {
		if os.IsNotExist(err) {
			for _, inst := range builtinInstruments {
				c.Instruments[inst.Symbol] = inst
			}
			return nil
		}
		return fmt.Errorf("read instruments file: %w", err)
	}

	var catalog instrumentCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("parse instruments file: %w", err)
	}
	if len(catalog.Instruments) == 0 {
		return fmt.Errorf("instruments file %s defines no instruments", c.InstrumentsFile)
	}
	for _, inst := range catalog.Instruments {
		if inst.Symbol == "" || inst.SecurityID == 0 || inst.LotSize <= 0 || inst.StrikeStep <= 0 {
			return fmt.Errorf("instrument %q is incomplete", inst.Symbol)
		}
		c.Instruments[inst.Symbol] = inst
	}
	return nil
}

// Instrument returns the catalog entry for a symbol
func (c *Config) Instrument(symbol string) (types.Instrument, bool) {
	inst, ok := c.Instruments[symbol]
	return inst, ok
}

// PrimarySymbol is the first configured symbol
func (c *Config) PrimarySymbol() string {
	if len(c.Symbols) == 0 {
		return "NIFTY"
	}
	return c.Symbols[0]
}

// Cadence returns the signal cadence as a duration
func (c *Config) Cadence() time.Duration {
	return time.Duration(c.CadenceSeconds) * time.Second
}

// LevelValidity returns the plan validity window as a duration
func (c *Config) LevelValidity() time.Duration {
	return time.Duration(c.LevelValiditySeconds) * time.Second
}

// SessionBounds returns the open and close instants for the trading day
// containing t, in t's location.
func (c *Config) SessionBounds(t time.Time) (time.Time, time.Time) {
	oh, om, _ := parseClock(c.MarketOpen)
	ch, cm, _ := parseClock(c.MarketClose)
	sessionOpen := time.Date(t.Year(), t.Month(), t.Day(), oh, om, 0, 0, t.Location())
	sessionClose := time.Date(t.Year(), t.Month(), t.Day(), ch, cm, 0, 0, t.Location())
	return sessionOpen, sessionClose
}

func parseClock(raw string) (int, int, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", raw)
	}
	return h, m, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
