package book_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/book"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func resting(orderID, side string, limit float64, createdAt time.Time) book.Resting {
	return book.Resting{
		OrderID:       orderID,
		ParticipantID: "p1",
		Code:          "KRW-BTC",
		Side:          side,
		LimitPrice:    d(limit),
		Quantity:      d(1),
		CreatedAt:     createdAt,
	}
}

func TestTriggered_BuyFiresAtOrBelowLimit(t *testing.T) {
	b := book.New()
	now := time.Now()
	b.Insert(resting("o1", "buy", 100_000_000, now))

	if got := b.Triggered("KRW-BTC", d(100_000_001)); len(got) != 0 {
		t.Errorf("buy should not trigger above limit, got %d orders", len(got))
	}
	if got := b.Triggered("KRW-BTC", d(100_000_000)); len(got) != 1 {
		t.Errorf("buy should trigger at limit, got %d orders", len(got))
	}
	if got := b.Triggered("KRW-BTC", d(99_000_000)); len(got) != 1 {
		t.Errorf("buy should trigger below limit, got %d orders", len(got))
	}
}

func TestTriggered_SellFiresAtOrAboveLimit(t *testing.T) {
	b := book.New()
	now := time.Now()
	b.Insert(resting("o1", "sell", 100_000_000, now))

	if got := b.Triggered("KRW-BTC", d(99_000_000)); len(got) != 0 {
		t.Errorf("sell should not trigger below limit, got %d orders", len(got))
	}
	if got := b.Triggered("KRW-BTC", d(100_000_000)); len(got) != 1 {
		t.Errorf("sell should trigger at limit, got %d orders", len(got))
	}
	if got := b.Triggered("KRW-BTC", d(101_000_000)); len(got) != 1 {
		t.Errorf("sell should trigger above limit, got %d orders", len(got))
	}
}

func TestTriggered_PriceTimePriority(t *testing.T) {
	b := book.New()
	base := time.Now()
	b.Insert(resting("late", "buy", 100_000_000, base.Add(2*time.Second)))
	b.Insert(resting("early", "buy", 100_000_000, base))
	b.Insert(resting("mid", "buy", 100_000_000, base.Add(time.Second)))

	got := b.Triggered("KRW-BTC", d(90_000_000))
	if len(got) != 3 {
		t.Fatalf("expected 3 triggered orders, got %d", len(got))
	}
	want := []string{"early", "mid", "late"}
	for i, id := range want {
		if got[i].OrderID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].OrderID)
		}
	}
}

func TestTriggered_InsertionOrderBreaksTimestampTies(t *testing.T) {
	b := book.New()
	now := time.Now()
	b.Insert(resting("first", "buy", 100_000_000, now))
	b.Insert(resting("second", "buy", 100_000_000, now))

	got := b.Triggered("KRW-BTC", d(90_000_000))
	if len(got) != 2 {
		t.Fatalf("expected 2 triggered orders, got %d", len(got))
	}
	if got[0].OrderID != "first" || got[1].OrderID != "second" {
		t.Errorf("tie should break by insertion order, got %s, %s",
			got[0].OrderID, got[1].OrderID)
	}
}

func TestTriggered_OtherCodesUnaffected(t *testing.T) {
	b := book.New()
	now := time.Now()
	b.Insert(resting("o1", "buy", 100_000_000, now))
	eth := resting("o2", "buy", 5_000_000, now)
	eth.Code = "KRW-ETH"
	b.Insert(eth)

	got := b.Triggered("KRW-ETH", d(4_000_000))
	if len(got) != 1 || got[0].OrderID != "o2" {
		t.Errorf("expected only the KRW-ETH order, got %v", got)
	}
}

func TestRemove(t *testing.T) {
	b := book.New()
	b.Insert(resting("o1", "buy", 100_000_000, time.Now()))

	if !b.Remove("KRW-BTC", "o1") {
		t.Error("expected Remove to report true for resting order")
	}
	if b.Remove("KRW-BTC", "o1") {
		t.Error("expected Remove to report false for already-removed order")
	}
	if got := b.Triggered("KRW-BTC", d(90_000_000)); len(got) != 0 {
		t.Errorf("removed order should not trigger, got %d", len(got))
	}
	if b.Depth() != 0 {
		t.Errorf("expected depth 0, got %d", b.Depth())
	}
}

func TestDepth(t *testing.T) {
	b := book.New()
	now := time.Now()
	b.Insert(resting("o1", "buy", 100_000_000, now))
	b.Insert(resting("o2", "sell", 120_000_000, now))

	if b.Depth() != 2 {
		t.Errorf("expected depth 2, got %d", b.Depth())
	}
}
