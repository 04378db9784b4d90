package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestStore seeds one active competition and one funded participant.
func newTestStore(t *testing.T) (*store.MemoryStore, *model.Participant) {
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
	p, err := ms.JoinCompetition(context.Background(), "comp1", "user1")
	if err != nil {
		t.Fatalf("failed to join competition: %v", err)
	}
	return ms, p
}

func filledOrder(participantID, code, side string, qty, price decimal.Decimal) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		ID:             uuid.New().String(),
		ParticipantID:  participantID,
		Code:           code,
		Side:           side,
		Type:           model.TypeMarket,
		Quantity:       qty,
		FilledQuantity: qty,
		FilledPrice:    &price,
		Status:         model.StatusFilled,
		CreatedAt:      now,
		FilledAt:       &now,
	}
}

func applyFill(t *testing.T, ms *store.MemoryStore, o *model.Order, price, qty, fee decimal.Decimal) *model.Trade {
	t.Helper()
	trade, err := ms.ApplyFill(context.Background(), store.Fill{
		Order:    o,
		Price:    price,
		Quantity: qty,
		Fee:      fee,
		At:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	return trade
}

func TestApplyFill_BuyUpdatesBalanceAndPosition(t *testing.T) {
	ms, p := newTestStore(t)

	o := filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(2), d(1000))
	trade := applyFill(t, ms, o, d(1000), d(2), d(1))

	got, _ := ms.GetParticipant(context.Background(), p.ID)
	if !got.Balance.Equal(d(997_999)) {
		t.Errorf("expected balance 997999, got %s", got.Balance)
	}

	pos, err := ms.GetPosition(context.Background(), p.ID, "KRW-DOGE")
	if err != nil {
		t.Fatalf("expected position: %v", err)
	}
	if !pos.Quantity.Equal(d(2)) || !pos.AvgBuyPrice.Equal(d(1000)) {
		t.Errorf("expected 2 @ 1000, got %s @ %s", pos.Quantity, pos.AvgBuyPrice)
	}

	if !trade.TotalAmount.Equal(d(2000)) {
		t.Errorf("expected total 2000, got %s", trade.TotalAmount)
	}
	if trade.OrderID != o.ID {
		t.Errorf("trade should reference order %s, got %s", o.ID, trade.OrderID)
	}
}

func TestApplyFill_BuyMaintainsVWAP(t *testing.T) {
	ms, p := newTestStore(t)

	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(1), d(1000)), d(1000), d(1), d(0.5))
	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(1), d(2000)), d(2000), d(1), d(1))

	pos, _ := ms.GetPosition(context.Background(), p.ID, "KRW-DOGE")
	if !pos.Quantity.Equal(d(2)) {
		t.Errorf("expected quantity 2, got %s", pos.Quantity)
	}
	if !pos.AvgBuyPrice.Equal(d(1500)) {
		t.Errorf("expected avg buy price 1500, got %s", pos.AvgBuyPrice)
	}
}

func TestApplyFill_SellCreditsNetOfFee(t *testing.T) {
	ms, p := newTestStore(t)
	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(2), d(1000)), d(1000), d(2), d(1))

	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideSell, d(1), d(1500)), d(1500), d(1), d(0.75))

	got, _ := ms.GetParticipant(context.Background(), p.ID)
	// 1000000 - 2001 + (1500 - 0.75)
	if !got.Balance.Equal(d(999_498.25)) {
		t.Errorf("expected balance 999498.25, got %s", got.Balance)
	}

	pos, _ := ms.GetPosition(context.Background(), p.ID, "KRW-DOGE")
	if !pos.Quantity.Equal(d(1)) {
		t.Errorf("expected remaining quantity 1, got %s", pos.Quantity)
	}
	// Selling never touches the average buy price.
	if !pos.AvgBuyPrice.Equal(d(1000)) {
		t.Errorf("expected avg buy price 1000, got %s", pos.AvgBuyPrice)
	}
}

func TestApplyFill_SellToZeroRemovesPosition(t *testing.T) {
	ms, p := newTestStore(t)
	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(2), d(1000)), d(1000), d(2), d(1))
	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideSell, d(2), d(1100)), d(1100), d(2), d(1.1))

	if _, err := ms.GetPosition(context.Background(), p.ID, "KRW-DOGE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("zero position should be removed, got %v", err)
	}
}

func TestApplyFill_OverdraftAborts(t *testing.T) {
	ms, p := newTestStore(t)

	o := filledOrder(p.ID, "KRW-BTC", model.SideBuy, d(1), d(2_000_000))
	_, err := ms.ApplyFill(context.Background(), store.Fill{
		Order: o, Price: d(2_000_000), Quantity: d(1), Fee: d(1000), At: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}

	// Nothing changed.
	got, _ := ms.GetParticipant(context.Background(), p.ID)
	if !got.Balance.Equal(d(1_000_000)) {
		t.Errorf("balance should be untouched, got %s", got.Balance)
	}
	trades, _ := ms.ListTrades(context.Background(), p.ID, 10)
	if len(trades) != 0 {
		t.Errorf("no trade should be recorded, got %d", len(trades))
	}
}

func TestApplyFill_OversellAborts(t *testing.T) {
	ms, p := newTestStore(t)
	applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(1), d(1000)), d(1000), d(1), d(0.5))

	o := filledOrder(p.ID, "KRW-DOGE", model.SideSell, d(5), d(1000))
	_, err := ms.ApplyFill(context.Background(), store.Fill{
		Order: o, Price: d(1000), Quantity: d(5), Fee: d(2.5), At: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}

	pos, _ := ms.GetPosition(context.Background(), p.ID, "KRW-DOGE")
	if !pos.Quantity.Equal(d(1)) {
		t.Errorf("position should be untouched, got %s", pos.Quantity)
	}
}

func TestApplyFill_TerminalOrderRejected(t *testing.T) {
	ms, p := newTestStore(t)

	limit := d(900)
	o := &model.Order{
		ID:            uuid.New().String(),
		ParticipantID: p.ID,
		Code:          "KRW-DOGE",
		Side:          model.SideBuy,
		Type:          model.TypeLimit,
		LimitPrice:    &limit,
		Quantity:      d(1),
		Status:        model.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := ms.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, err := ms.CancelOrder(context.Background(), o.ID, time.Now().UTC(), "cancelled by participant"); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}

	// The fill raced the cancel and lost.
	price := d(850)
	now := time.Now().UTC()
	o.Status = model.StatusFilled
	o.FilledQuantity = d(1)
	o.FilledPrice = &price
	o.FilledAt = &now
	_, err := ms.ApplyFill(context.Background(), store.Fill{
		Order: o, Price: price, Quantity: d(1), Fee: d(0.425), At: now,
	})
	if !errors.Is(err, store.ErrOrderTerminal) {
		t.Fatalf("expected ErrOrderTerminal, got %v", err)
	}

	got, _ := ms.GetParticipant(context.Background(), p.ID)
	if !got.Balance.Equal(d(1_000_000)) {
		t.Errorf("balance should be untouched, got %s", got.Balance)
	}
}

func TestCancelOrder(t *testing.T) {
	ms, p := newTestStore(t)

	limit := d(900)
	o := &model.Order{
		ID:            uuid.New().String(),
		ParticipantID: p.ID,
		Code:          "KRW-DOGE",
		Side:          model.SideBuy,
		Type:          model.TypeLimit,
		LimitPrice:    &limit,
		Quantity:      d(1),
		Status:        model.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := ms.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	at := time.Now().UTC()
	cancelled, err := ms.CancelOrder(context.Background(), o.ID, at, "cancelled by participant")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelReason != "cancelled by participant" {
		t.Errorf("unexpected cancel reason: %s", cancelled.CancelReason)
	}
	if cancelled.CancelledAt == nil || !cancelled.CancelledAt.Equal(at) {
		t.Error("expected cancelled_at to be recorded")
	}

	if _, err := ms.CancelOrder(context.Background(), o.ID, time.Now().UTC(), "again"); !errors.Is(err, store.ErrOrderTerminal) {
		t.Errorf("second cancel should fail with ErrOrderTerminal, got %v", err)
	}
	if _, err := ms.CancelOrder(context.Background(), "missing", time.Now().UTC(), "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown order should fail with ErrNotFound, got %v", err)
	}
}

func TestListPendingOrders_SortedOldestFirst(t *testing.T) {
	ms, p := newTestStore(t)
	base := time.Now().UTC()
	limit := d(900)

	for i, id := range []string{"second", "first"} {
		o := &model.Order{
			ID:            id,
			ParticipantID: p.ID,
			Code:          "KRW-DOGE",
			Side:          model.SideBuy,
			Type:          model.TypeLimit,
			LimitPrice:    &limit,
			Quantity:      d(1),
			Status:        model.StatusPending,
			CreatedAt:     base.Add(time.Duration(1-i) * time.Second),
		}
		if err := ms.CreateOrder(context.Background(), o); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
	}

	pending, err := ms.ListPendingOrders(context.Background())
	if err != nil {
		t.Fatalf("ListPendingOrders failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending orders, got %d", len(pending))
	}
	if pending[0].ID != "first" || pending[1].ID != "second" {
		t.Errorf("expected oldest first, got %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestJoinCompetition(t *testing.T) {
	ms, p := newTestStore(t)

	if !p.Balance.Equal(d(1_000_000)) {
		t.Errorf("participant should start with the initial balance, got %s", p.Balance)
	}

	if _, err := ms.JoinCompetition(context.Background(), "comp1", "user1"); err == nil {
		t.Error("duplicate join should fail")
	}
	if _, err := ms.JoinCompetition(context.Background(), "missing", "user2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown competition should fail with ErrNotFound, got %v", err)
	}
}

func TestListTrades_NewestFirstWithLimit(t *testing.T) {
	ms, p := newTestStore(t)

	for i := 1; i <= 3; i++ {
		applyFill(t, ms, filledOrder(p.ID, "KRW-DOGE", model.SideBuy, d(1), d(float64(1000*i))),
			d(float64(1000*i)), d(1), d(0.5))
	}

	trades, err := ms.ListTrades(context.Background(), p.ID, 2)
	if err != nil {
		t.Fatalf("ListTrades failed: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Price.Equal(d(3000)) {
		t.Errorf("expected newest trade first, got price %s", trades[0].Price)
	}

	n, err := ms.CountTrades(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("CountTrades failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 trades, got %d", n)
	}
}
