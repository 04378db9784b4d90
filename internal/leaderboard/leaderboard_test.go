package leaderboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/leaderboard"
	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/oracle"
	"github.com/mocktrade/contest-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestValuator(t *testing.T) (*leaderboard.Valuator, *store.MemoryStore, *oracle.Oracle) {
	t.Helper()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	comp := &model.Competition{
		ID:             "comp1",
		Name:           "test competition",
		InitialBalance: d(1_000_000),
		FeeRate:        d(0.0005),
		StartTime:      now.Add(-time.Hour),
		EndTime:        now.Add(24 * time.Hour),
		Status:         model.CompetitionActive,
		CreatedAt:      now,
	}
	if err := ms.CreateCompetition(context.Background(), comp); err != nil {
		t.Fatalf("failed to seed competition: %v", err)
	}
	or := oracle.New()
	return leaderboard.NewValuator(ms, or), ms, or
}

func join(t *testing.T, ms *store.MemoryStore, userID string) *model.Participant {
	t.Helper()
	p, err := ms.JoinCompetition(context.Background(), "comp1", userID)
	if err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	return p
}

// buy applies a filled buy directly to the store so the valuator sees a
// position without running the engine.
func buy(t *testing.T, ms *store.MemoryStore, participantID, code string, qty, price float64) {
	t.Helper()
	now := time.Now().UTC()
	pr := d(price)
	o := &model.Order{
		ID:             uuid.New().String(),
		ParticipantID:  participantID,
		Code:           code,
		Side:           model.SideBuy,
		Type:           model.TypeMarket,
		Quantity:       d(qty),
		FilledQuantity: d(qty),
		FilledPrice:    &pr,
		Status:         model.StatusFilled,
		CreatedAt:      now,
		FilledAt:       &now,
	}
	if _, err := ms.ApplyFill(context.Background(), store.Fill{
		Order: o, Price: d(price), Quantity: d(qty), Fee: decimal.Zero, At: now,
	}); err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
}

func TestSnapshot_RanksByNetWorth(t *testing.T) {
	v, ms, or := newTestValuator(t)
	rich := join(t, ms, "rich")
	poor := join(t, ms, "poor")

	buy(t, ms, rich.ID, "KRW-DOGE", 100, 1000)  // cash 900000
	buy(t, ms, poor.ID, "KRW-DOGE", 100, 1000)  // cash 900000
	buy(t, ms, poor.ID, "KRW-DOGE", 100, 1000)  // cash 800000

	// Mark at 2000: rich = 900000 + 200000, poor = 800000 + 400000.
	or.Update(model.PriceTick{Code: "KRW-DOGE", Price: d(2000), Timestamp: time.Now().UTC()})

	entries, err := v.Snapshot(context.Background(), "comp1", nil)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserID != "poor" || entries[0].Rank != 1 {
		t.Errorf("expected poor at rank 1, got %s at %d", entries[0].UserID, entries[0].Rank)
	}
	if !entries[0].NetWorth.Equal(d(1_200_000)) {
		t.Errorf("expected net worth 1200000, got %s", entries[0].NetWorth)
	}
	if !entries[1].NetWorth.Equal(d(1_100_000)) {
		t.Errorf("expected net worth 1100000, got %s", entries[1].NetWorth)
	}
	// (1200000 - 1000000) / 1000000 * 100
	if !entries[0].ProfitRate.Equal(d(20)) {
		t.Errorf("expected profit rate 20, got %s", entries[0].ProfitRate)
	}
	if entries[0].TradeCount != 2 {
		t.Errorf("expected trade count 2, got %d", entries[0].TradeCount)
	}
}

func TestSnapshot_TieBreaksByJoinTime(t *testing.T) {
	v, ms, _ := newTestValuator(t)
	first := join(t, ms, "first")
	time.Sleep(2 * time.Millisecond)
	join(t, ms, "second")

	entries, err := v.Snapshot(context.Background(), "comp1", nil)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if entries[0].ParticipantID != first.ID {
		t.Errorf("equal net worth should rank the earlier joiner first, got %s", entries[0].UserID)
	}
}

func TestSnapshot_PriceFallbackChain(t *testing.T) {
	v, ms, or := newTestValuator(t)
	p := join(t, ms, "user1")
	buy(t, ms, p.ID, "KRW-DOGE", 10, 1000) // cash 990000

	// No oracle, no override: avg buy price values the position.
	entries, _ := v.Snapshot(context.Background(), "comp1", nil)
	if !entries[0].PositionValue.Equal(d(10_000)) {
		t.Errorf("expected avg-buy-price valuation 10000, got %s", entries[0].PositionValue)
	}

	// The oracle beats the fallback.
	or.Update(model.PriceTick{Code: "KRW-DOGE", Price: d(1500), Timestamp: time.Now().UTC()})
	entries, _ = v.Snapshot(context.Background(), "comp1", nil)
	if !entries[0].PositionValue.Equal(d(15_000)) {
		t.Errorf("expected oracle valuation 15000, got %s", entries[0].PositionValue)
	}

	// The override beats the oracle.
	entries, _ = v.Snapshot(context.Background(), "comp1", map[string]decimal.Decimal{"KRW-DOGE": d(2000)})
	if !entries[0].PositionValue.Equal(d(20_000)) {
		t.Errorf("expected override valuation 20000, got %s", entries[0].PositionValue)
	}
}

func TestSnapshot_Idempotent(t *testing.T) {
	v, ms, or := newTestValuator(t)
	p := join(t, ms, "user1")
	buy(t, ms, p.ID, "KRW-DOGE", 10, 1000)
	or.Update(model.PriceTick{Code: "KRW-DOGE", Price: d(1200), Timestamp: time.Now().UTC()})

	first, err := v.Snapshot(context.Background(), "comp1", nil)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	second, err := v.Snapshot(context.Background(), "comp1", nil)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("snapshot sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Rank != second[i].Rank || !first[i].NetWorth.Equal(second[i].NetWorth) {
			t.Errorf("entry %d differs between identical snapshots", i)
		}
	}
}

func TestSnapshot_UnknownCompetition(t *testing.T) {
	v, _, _ := newTestValuator(t)
	if _, err := v.Snapshot(context.Background(), "missing", nil); err == nil {
		t.Error("expected error for unknown competition")
	}
}
