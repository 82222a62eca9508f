package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AK47-U/Nifty-OB/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return db
}

// 2024-03-12 10:30 IST
var baseTS = time.Date(2024, 3, 12, 5, 0, 0, 0, time.UTC)

func pendingSnapshot(ts time.Time) *Snapshot {
	return &Snapshot{
		Timestamp:  ts,
		Symbol:     "NIFTY",
		Condition:  string(types.ConditionNormal),
		Quality:    string(types.QualityStrong),
		Direction:  string(types.DirectionBuy),
		Confidence: 71.0,
		Entry:      decimal.NewFromInt(22150),
		Target:     decimal.NewFromInt(22190),
		StopLoss:   decimal.NewFromInt(22136),
		RiskReward: decimal.NewFromFloat(2.85),
		Strike:     22150,
		OptionType: string(types.OptionCall),
		Outcome:    types.OutcomePending,
		RealizedPL: decimal.Zero,
	}
}

func TestSaveAndRecent(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		s := pendingSnapshot(baseTS.Add(time.Duration(i) * 15 * time.Minute))
		if err := db.SaveSnapshot(s); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
		if s.ID == 0 {
			t.Fatal("expected assigned id")
		}
	}

	snaps, err := db.RecentSnapshots("NIFTY", 2)
	if err != nil {
		t.Fatalf("RecentSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if !snaps[0].Timestamp.After(snaps[1].Timestamp) {
		t.Error("expected newest first ordering")
	}
}

func TestUpdateOutcomeOnce(t *testing.T) {
	db := newTestDB(t)

	s := pendingSnapshot(baseTS)
	if err := db.SaveSnapshot(s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	won, err := db.UpdateOutcome(s.ID, types.OutcomeWin, decimal.NewFromInt(2600))
	if err != nil {
		t.Fatalf("UpdateOutcome: %v", err)
	}
	if !won {
		t.Fatal("first resolution should apply")
	}

	// A second resolution must be a no-op.
	won, err = db.UpdateOutcome(s.ID, types.OutcomeLoss, decimal.NewFromInt(-910))
	if err != nil {
		t.Fatalf("UpdateOutcome repeat: %v", err)
	}
	if won {
		t.Fatal("second resolution should not apply")
	}

	got, err := db.GetSnapshot(s.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Outcome != types.OutcomeWin {
		t.Errorf("outcome = %s, want WIN", got.Outcome)
	}
	if !got.RealizedPL.Equal(decimal.NewFromInt(2600)) {
		t.Errorf("realized_pl = %s, want 2600", got.RealizedPL)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not recorded")
	}
}

func TestExpireStalePending(t *testing.T) {
	db := newTestDB(t)

	stale := pendingSnapshot(baseTS.Add(-1 * time.Hour))
	fresh := pendingSnapshot(baseTS)
	if err := db.SaveSnapshot(stale); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(fresh); err != nil {
		t.Fatal(err)
	}

	n, err := db.ExpireStalePending(baseTS.Add(-15 * time.Minute))
	if err != nil {
		t.Fatalf("ExpireStalePending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d rows, want 1", n)
	}

	got, _ := db.GetSnapshot(stale.ID)
	if got.Outcome != types.OutcomeExpired {
		t.Errorf("stale snapshot outcome = %s, want EXPIRED", got.Outcome)
	}
	got, _ = db.GetSnapshot(fresh.ID)
	if got.Outcome != types.OutcomePending {
		t.Errorf("fresh snapshot outcome = %s, want PENDING", got.Outcome)
	}
}

func TestStatsAggregation(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	win1 := pendingSnapshot(now.Add(-3 * time.Hour))
	win2 := pendingSnapshot(now.Add(-2 * time.Hour))
	loss := pendingSnapshot(now.Add(-1 * time.Hour))
	open := pendingSnapshot(now.Add(-30 * time.Minute))
	for _, s := range []*Snapshot{win1, win2, loss, open} {
		if err := db.SaveSnapshot(s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.UpdateOutcome(win1.ID, types.OutcomeWin, decimal.NewFromInt(1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateOutcome(win2.ID, types.OutcomeWin, decimal.NewFromInt(500)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateOutcome(loss.ID, types.OutcomeLoss, decimal.NewFromInt(-800)); err != nil {
		t.Fatal(err)
	}

	stats, err := db.Stats(7)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.Wins != 2 || stats.Losses != 1 {
		t.Errorf("wins/losses = %d/%d, want 2/1", stats.Wins, stats.Losses)
	}
	if stats.WinRate < 66.6 || stats.WinRate > 66.7 {
		t.Errorf("win_rate = %.2f, want ~66.67", stats.WinRate)
	}
	if !stats.TotalPL.Equal(decimal.NewFromInt(700)) {
		t.Errorf("total_pl = %s, want 700", stats.TotalPL)
	}
	if stats.AvgWinDuration <= 0 {
		t.Error("expected positive average win duration")
	}
	if stats.BestHour < 0 || stats.BestHour > 23 {
		t.Errorf("best_hour = %d out of range", stats.BestHour)
	}
}

func TestDailyRiskQueries(t *testing.T) {
	db := newTestDB(t)
	dayStart := baseTS.Add(-5 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	a := pendingSnapshot(baseTS)
	b := pendingSnapshot(baseTS.Add(15 * time.Minute))
	c := pendingSnapshot(baseTS.Add(30 * time.Minute))
	for _, s := range []*Snapshot{a, b, c} {
		if err := db.SaveSnapshot(s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.UpdateOutcome(a.ID, types.OutcomeLoss, decimal.NewFromInt(-900)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateOutcome(b.ID, types.OutcomeLoss, decimal.NewFromInt(-950)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateOutcome(c.ID, types.OutcomeWin, decimal.NewFromInt(1200)); err != nil {
		t.Fatal(err)
	}

	pl, err := db.DailyRealizedPL("NIFTY", dayStart, dayEnd)
	if err != nil {
		t.Fatalf("DailyRealizedPL: %v", err)
	}
	if !pl.Equal(decimal.NewFromInt(-650)) {
		t.Errorf("daily pl = %s, want -650", pl)
	}

	hits, err := db.StopLossHits("NIFTY", dayStart, dayEnd)
	if err != nil {
		t.Fatalf("StopLossHits: %v", err)
	}
	if hits != 2 {
		t.Errorf("stop loss hits = %d, want 2", hits)
	}
}

func TestConfigKV(t *testing.T) {
	db := newTestDB(t)

	_, ok, err := db.GetConfig("confidence_threshold")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if ok {
		t.Fatal("expected missing key")
	}

	if err := db.SetConfig("confidence_threshold", "62"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	val, ok, err := db.GetConfig("confidence_threshold")
	if err != nil || !ok {
		t.Fatalf("GetConfig after set: val=%q ok=%v err=%v", val, ok, err)
	}
	if val != "62" {
		t.Errorf("value = %q, want 62", val)
	}

	if err := db.SetConfig("confidence_threshold", "64"); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	val, _, _ = db.GetConfig("confidence_threshold")
	if val != "64" {
		t.Errorf("value after overwrite = %q, want 64", val)
	}
}

func TestMarketStructureLatest(t *testing.T) {
	db := newTestDB(t)

	older := &MarketStructure{Timestamp: baseTS, Symbol: "NIFTY", Pivot: 22100, VWAP: 22120}
	newer := &MarketStructure{Timestamp: baseTS.Add(15 * time.Minute), Symbol: "NIFTY", Pivot: 22110, VWAP: 22135}
	if err := db.SaveMarketStructure(older); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMarketStructure(newer); err != nil {
		t.Fatal(err)
	}

	got, err := db.LatestMarketStructure("NIFTY")
	if err != nil {
		t.Fatalf("LatestMarketStructure: %v", err)
	}
	if got.Pivot != 22110 {
		t.Errorf("pivot = %.0f, want 22110", got.Pivot)
	}
}

func TestSummarizeDayUpsert(t *testing.T) {
	db := newTestDB(t)
	dayStart := time.Date(2024, 3, 11, 18, 30, 0, 0, time.UTC) // 2024-03-12 00:00 IST
	dayEnd := dayStart.Add(24 * time.Hour)

	win := pendingSnapshot(baseTS)
	loss := pendingSnapshot(baseTS.Add(15 * time.Minute))
	wait := pendingSnapshot(baseTS.Add(30 * time.Minute))
	wait.Outcome = types.OutcomeWait
	for _, s := range []*Snapshot{win, loss, wait} {
		if err := db.SaveSnapshot(s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.UpdateOutcome(win.ID, types.OutcomeWin, decimal.NewFromInt(1500)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateOutcome(loss.ID, types.OutcomeLoss, decimal.NewFromInt(-700)); err != nil {
		t.Fatal(err)
	}

	first, err := db.SummarizeDay("NIFTY", dayStart, dayEnd)
	if err != nil {
		t.Fatalf("SummarizeDay: %v", err)
	}
	if first.Signals != 2 || first.Wins != 1 || first.Losses != 1 || first.Waits != 1 {
		t.Errorf("summary = %+v, want 2 signals 1 win 1 loss 1 wait", first)
	}
	if !first.TotalPL.Equal(decimal.NewFromInt(800)) {
		t.Errorf("total_pl = %s, want 800", first.TotalPL)
	}

	// Re-running the same day updates in place rather than duplicating.
	second, err := db.SummarizeDay("NIFTY", dayStart, dayEnd)
	if err != nil {
		t.Fatalf("SummarizeDay repeat: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected upsert onto id %d, got %d", first.ID, second.ID)
	}

	got, err := db.GetDailySummary("NIFTY", "2024-03-11")
	if err != nil {
		t.Fatalf("GetDailySummary: %v", err)
	}
	if got.Wins != 1 {
		t.Errorf("persisted wins = %d, want 1", got.Wins)
	}
}

func TestPurgeRetention(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	old := pendingSnapshot(now.AddDate(0, 0, -45))
	recent := pendingSnapshot(now.Add(-1 * time.Hour))
	if err := db.SaveSnapshot(old); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(recent); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMarketStructure(&MarketStructure{Timestamp: now.AddDate(0, 0, -45), Symbol: "NIFTY"}); err != nil {
		t.Fatal(err)
	}

	removed, err := db.Purge(30)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("purged %d snapshots, want 1", removed)
	}

	snaps, _ := db.RecentSnapshots("NIFTY", 10)
	if len(snaps) != 1 {
		t.Errorf("remaining snapshots = %d, want 1", len(snaps))
	}
}
