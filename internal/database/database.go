package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AK47-U/Nifty-OB/types"
)

type Database struct {
	db *gorm.DB
}

// Models

// Snapshot is the audit record of one cadence evaluation. Timestamps are
// stored in UTC; the feature vector and filter verdicts ride along as
// JSON blobs so any historical decision can be replayed.
type Snapshot struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"index:idx_symbol_ts,priority:2"`
	Symbol     string    `gorm:"index:idx_symbol_ts,priority:1"`
	Condition  string
	Quality    string
	Direction  string
	Confidence float64
	Entry      decimal.Decimal `gorm:"type:decimal(12,2)"`
	Target     decimal.Decimal `gorm:"type:decimal(12,2)"`
	StopLoss   decimal.Decimal `gorm:"type:decimal(12,2)"`
	RiskReward decimal.Decimal `gorm:"type:decimal(10,4)"`

	PositionLots int
	Strike       int
	OptionType   string

	FeaturesBlob string `gorm:"type:text"`
	FiltersBlob  string `gorm:"type:text"`

	Outcome    string          `gorm:"index"`
	RealizedPL decimal.Decimal `gorm:"type:decimal(14,2)"`
	ResolvedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketStructure is the per-cadence intraday level set, kept so the
// dashboard can replay how pivots and VWAP moved through the day
type MarketStructure struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"index"`
	Symbol     string    `gorm:"index"`
	Pivot      float64
	TC         float64
	BC         float64
	VWAP       float64
	Resistance float64
	Support    float64
	PrevHigh   float64
	PrevLow    float64
	PrevClose  float64
	CreatedAt  time.Time
}

// ConfigKV persists small pieces of pipeline state, currently the
// adaptive confidence threshold
type ConfigKV struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// DailySummary is one row per symbol per trading day
type DailySummary struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Date      string `gorm:"uniqueIndex:idx_day_symbol,priority:1"` // YYYY-MM-DD, IST
	Symbol    string `gorm:"uniqueIndex:idx_day_symbol,priority:2"`
	Signals   int
	Waits     int
	Wins      int
	Losses    int
	TotalPL   decimal.Decimal `gorm:"type:decimal(14,2)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats is the aggregate view served over HTTP
type Stats struct {
	Total          int64           `json:"total"`
	Wins           int64           `json:"wins"`
	Losses         int64           `json:"losses"`
	WinRate        float64         `json:"win_rate"`
	TotalPL        decimal.Decimal `json:"total_pl"`
	AvgWinDuration float64         `json:"avg_win_duration"` // seconds
	BestHour       int             `json:"best_hour"`        // IST hour with the most wins, -1 when unknown
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		if dir := filepath.Dir(dbPath); dir != "." && !strings.HasPrefix(dbPath, ":memory:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Snapshot{}, &MarketStructure{}, &ConfigKV{}, &DailySummary{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Snapshot operations

// SaveSnapshot writes one snapshot; the assigned id is set on the value
func (d *Database) SaveSnapshot(s *Snapshot) error {
	s.Timestamp = s.Timestamp.UTC()
	return d.db.Create(s).Error
}

// RecentSnapshots returns the newest n snapshots for a symbol, newest first
func (d *Database) RecentSnapshots(symbol string, n int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := d.db.Where("symbol = ?", symbol).
		Order("timestamp DESC").
		Limit(n).
		Find(&snaps).Error
	return snaps, err
}

// GetSnapshot fetches one snapshot by id
func (d *Database) GetSnapshot(id uint) (*Snapshot, error) {
	var s Snapshot
	err := d.db.First(&s, "id = ?", id).Error
	return &s, err
}

// UpdateOutcome resolves a pending snapshot exactly once. The guard on
// the current outcome makes duplicate watcher fires no-ops: the first
// caller wins and later calls report false.
func (d *Database) UpdateOutcome(id uint, outcome string, realizedPL decimal.Decimal) (bool, error) {
	now := time.Now().UTC()
	res := d.db.Model(&Snapshot{}).
		Where("id = ? AND outcome = ?", id, types.OutcomePending).
		Updates(map[string]interface{}{
			"outcome":     outcome,
			"realized_pl": realizedPL,
			"resolved_at": &now,
		})
	return res.RowsAffected == 1, res.Error
}

// ExpireStalePending marks pending snapshots older than cutoff as expired
func (d *Database) ExpireStalePending(cutoff time.Time) (int64, error) {
	res := d.db.Model(&Snapshot{}).
		Where("outcome = ? AND timestamp < ?", types.OutcomePending, cutoff.UTC()).
		Update("outcome", types.OutcomeExpired)
	return res.RowsAffected, res.Error
}

// Stats aggregates resolved snapshots over the trailing window
func (d *Database) Stats(windowDays int) (*Stats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)

	var snaps []Snapshot
	if err := d.db.Where("timestamp >= ?", cutoff).Find(&snaps).Error; err != nil {
		return nil, err
	}

	stats := &Stats{TotalPL: decimal.Zero, BestHour: -1}
	winsByHour := make(map[int]int64)
	var winDurTotal time.Duration
	var winDurCount int64

	ist := time.FixedZone("IST", 5*3600+30*60)
	for _, s := range snaps {
		stats.Total++
		switch s.Outcome {
		case types.OutcomeWin:
			stats.Wins++
			stats.TotalPL = stats.TotalPL.Add(s.RealizedPL)
			winsByHour[s.Timestamp.In(ist).Hour()]++
			if s.ResolvedAt != nil {
				winDurTotal += s.ResolvedAt.Sub(s.Timestamp)
				winDurCount++
			}
		case types.OutcomeLoss:
			stats.Losses++
			stats.TotalPL = stats.TotalPL.Add(s.RealizedPL)
		}
	}

	if resolved := stats.Wins + stats.Losses; resolved > 0 {
		stats.WinRate = float64(stats.Wins) / float64(resolved) * 100
	}
	if winDurCount > 0 {
		stats.AvgWinDuration = (winDurTotal / time.Duration(winDurCount)).Seconds()
	}
	var best int64
	for hour, count := range winsByHour {
		if count > best || (count == best && stats.BestHour >= 0 && hour < stats.BestHour) {
			best = count
			stats.BestHour = hour
		}
	}
	return stats, nil
}

// Purge deletes snapshots and structure rows older than the retention
// window, returning the number of snapshots removed
func (d *Database) Purge(olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	res := d.db.Where("timestamp < ?", cutoff).Delete(&Snapshot{})
	if res.Error != nil {
		return 0, res.Error
	}
	if err := d.db.Where("timestamp < ?", cutoff).Delete(&MarketStructure{}).Error; err != nil {
		return res.RowsAffected, err
	}
	return res.RowsAffected, nil
}

// DailyRealizedPL sums realized P&L across one session day. An empty
// symbol sums across all symbols.
func (d *Database) DailyRealizedPL(symbol string, dayStart, dayEnd time.Time) (decimal.Decimal, error) {
	q := d.db.Where("timestamp >= ? AND timestamp < ? AND outcome IN ?",
		dayStart.UTC(), dayEnd.UTC(), []string{types.OutcomeWin, types.OutcomeLoss})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var snaps []Snapshot
	if err := q.Find(&snaps).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, s := range snaps {
		total = total.Add(s.RealizedPL)
	}
	return total, nil
}

// StopLossHits counts LOSS outcomes for a symbol across one session day
func (d *Database) StopLossHits(symbol string, dayStart, dayEnd time.Time) (int64, error) {
	var count int64
	err := d.db.Model(&Snapshot{}).
		Where("symbol = ? AND timestamp >= ? AND timestamp < ? AND outcome = ?",
			symbol, dayStart.UTC(), dayEnd.UTC(), types.OutcomeLoss).
		Count(&count).Error
	return count, err
}

// Config operations

func (d *Database) GetConfig(key string) (string, bool, error) {
	var kv ConfigKV
	err := d.db.First(&kv, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return kv.Value, true, nil
}

func (d *Database) SetConfig(key, value string) error {
	kv := ConfigKV{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return d.db.Save(&kv).Error
}

// Market structure operations

func (d *Database) SaveMarketStructure(ms *MarketStructure) error {
	ms.Timestamp = ms.Timestamp.UTC()
	return d.db.Create(ms).Error
}

func (d *Database) LatestMarketStructure(symbol string) (*MarketStructure, error) {
	var ms MarketStructure
	err := d.db.Where("symbol = ?", symbol).Order("timestamp DESC").First(&ms).Error
	return &ms, err
}

// Daily summary operations

// SummarizeDay recomputes and upserts the summary row for one symbol-day
func (d *Database) SummarizeDay(symbol string, dayStart, dayEnd time.Time) (*DailySummary, error) {
	var snaps []Snapshot
	err := d.db.Where("symbol = ? AND timestamp >= ? AND timestamp < ?",
		symbol, dayStart.UTC(), dayEnd.UTC()).Find(&snaps).Error
	if err != nil {
		return nil, err
	}

	summary := &DailySummary{
		Date:    dayStart.Format("2006-01-02"),
		Symbol:  symbol,
		TotalPL: decimal.Zero,
	}
	for _, s := range snaps {
		switch s.Outcome {
		case types.OutcomeWait:
			summary.Waits++
		case types.OutcomeWin:
			summary.Signals++
			summary.Wins++
			summary.TotalPL = summary.TotalPL.Add(s.RealizedPL)
		case types.OutcomeLoss:
			summary.Signals++
			summary.Losses++
			summary.TotalPL = summary.TotalPL.Add(s.RealizedPL)
		default:
			summary.Signals++
		}
	}

	var existing DailySummary
	err = d.db.Where("date = ? AND symbol = ?", summary.Date, symbol).First(&existing).Error
	if err == nil {
		summary.ID = existing.ID
		summary.CreatedAt = existing.CreatedAt
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	if err := d.db.Save(summary).Error; err != nil {
		return nil, err
	}
	return summary, nil
}

// GetDailySummary returns the summary row for a date (YYYY-MM-DD)
func (d *Database) GetDailySummary(symbol, date string) (*DailySummary, error) {
	var summary DailySummary
	err := d.db.Where("date = ? AND symbol = ?", date, symbol).First(&summary).Error
	return &summary, err
}
