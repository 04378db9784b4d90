package oracle_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/oracle"
)

func tick(code string, price float64, at time.Time) model.PriceTick {
	return model.PriceTick{Code: code, Price: decimal.NewFromFloat(price), Timestamp: at}
}

func TestLastPrice(t *testing.T) {
	o := oracle.New()

	if _, ok := o.LastPrice("KRW-BTC"); ok {
		t.Error("expected no price for unseen code")
	}

	o.Update(tick("KRW-BTC", 100_000_000, time.Now()))
	p, ok := o.LastPrice("KRW-BTC")
	if !ok {
		t.Fatal("expected price after update")
	}
	if !p.Equal(decimal.NewFromInt(100_000_000)) {
		t.Errorf("expected 100000000, got %s", p)
	}
}

func TestUpdate_IgnoresStaleTicks(t *testing.T) {
	o := oracle.New()
	now := time.Now()

	o.Update(tick("KRW-BTC", 100_000_000, now))
	o.Update(tick("KRW-BTC", 90_000_000, now.Add(-time.Second)))

	p, _ := o.LastPrice("KRW-BTC")
	if !p.Equal(decimal.NewFromInt(100_000_000)) {
		t.Errorf("stale tick should not overwrite, got %s", p)
	}

	o.Update(tick("KRW-BTC", 110_000_000, now.Add(time.Second)))
	p, _ = o.LastPrice("KRW-BTC")
	if !p.Equal(decimal.NewFromInt(110_000_000)) {
		t.Errorf("newer tick should overwrite, got %s", p)
	}
}

func TestSnapshot(t *testing.T) {
	o := oracle.New()
	now := time.Now()
	o.Update(tick("KRW-BTC", 100_000_000, now))
	o.Update(tick("KRW-ETH", 5_000_000, now))

	snap := o.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(snap))
	}
	if !snap["KRW-ETH"].Equal(decimal.NewFromInt(5_000_000)) {
		t.Errorf("unexpected KRW-ETH price: %s", snap["KRW-ETH"])
	}
}
