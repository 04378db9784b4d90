// Package engine implements the order lifecycle: validation, immediate
// market execution, resting limit orders, and tick-driven limit fills.
//
// The engine owns no durable state. It is the only writer allowed to
// mutate participant balances, positions, and order rows, and every fill
// is applied through a single atomic store operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/book"
	"github.com/mocktrade/contest-engine/internal/instrument"
	"github.com/mocktrade/contest-engine/internal/metrics"
	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/oracle"
	"github.com/mocktrade/contest-engine/internal/store"
)

// maxReferenceDeviation bounds how far a caller-supplied reference price
// may sit from the oracle's last tick (±10%).
var maxReferenceDeviation = decimal.NewFromFloat(0.10)

// FillEvent describes one executed fill for broadcast.
type FillEvent struct {
	Order   model.Order
	Trade   model.Trade
	Trigger string // "market" or "tick"
}

// Notifier receives execution events. Pass nil if broadcasting is not
// needed.
type Notifier interface {
	NotifyFill(ev FillEvent)
}

// SubmitRequest carries one order submission.
type SubmitRequest struct {
	ParticipantID  string
	Code           string
	Side           string
	Type           string
	Quantity       decimal.Decimal
	LimitPrice     *decimal.Decimal
	ReferencePrice decimal.Decimal // caller-supplied current price
}

// Engine validates and executes orders against the portfolio store and
// evaluates resting limit orders on every price tick.
type Engine struct {
	store    store.Store
	book     *book.Book
	oracle   *oracle.Oracle
	locks    *participantLocks
	notifier Notifier
}

// New creates an engine. notifier may be nil.
func New(st store.Store, bk *book.Book, or *oracle.Oracle, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		book:     bk,
		oracle:   or,
		locks:    newParticipantLocks(),
		notifier: notifier,
	}
}

// LoadRestingOrders rebuilds the book from pending orders in the store.
// Called once on startup before the feed starts.
func (e *Engine) LoadRestingOrders(ctx context.Context) error {
	orders, err := e.store.ListPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load resting orders: %w", err)
	}
	for i := range orders {
		o := &orders[i]
		if o.LimitPrice == nil {
			continue
		}
		e.book.Insert(book.Resting{
			OrderID:       o.ID,
			ParticipantID: o.ParticipantID,
			Code:          o.Code,
			Side:          o.Side,
			LimitPrice:    *o.LimitPrice,
			Quantity:      o.Quantity,
			CreatedAt:     o.CreatedAt,
		})
	}
	metrics.RestingOrders.Set(float64(e.book.Depth()))
	slog.Info("resting orders loaded", "count", len(orders))
	return nil
}

// SubmitOrder validates and executes an order request. Market orders
// fill synchronously at the reference price and return the trade; limit
// orders rest in the book and return a nil trade.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (*model.Order, *model.Trade, error) {
	if err := e.validateShape(req); err != nil {
		metrics.RejectionsTotal.WithLabelValues("validation").Inc()
		return nil, nil, err
	}

	refPrice, err := e.resolveReferencePrice(req)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("validation").Inc()
		return nil, nil, err
	}

	mu := e.locks.get(req.ParticipantID)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.store.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, nil, err
	}
	comp, err := e.store.GetCompetition(ctx, p.CompetitionID)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	if comp.Status != model.CompetitionActive || now.Before(comp.StartTime) || now.After(comp.EndTime) {
		metrics.RejectionsTotal.WithLabelValues("competition_closed").Inc()
		return nil, nil, fmt.Errorf("%w: %s", ErrCompetitionClosed, comp.Status)
	}

	// Buys are checked against the price they could execute at: the
	// reference price for market orders, the limit price otherwise.
	checkPrice := refPrice
	if req.Type == model.TypeLimit {
		checkPrice = *req.LimitPrice
	}
	if err := e.validateFunds(ctx, p, req.Code, req.Side, req.Quantity, checkPrice, comp.FeeRate); err != nil {
		return nil, nil, err
	}

	metrics.OrdersTotal.WithLabelValues(req.Side, req.Type).Inc()

	if req.Type == model.TypeMarket {
		return e.executeMarket(ctx, req, refPrice, comp.FeeRate, now)
	}
	return e.restLimit(ctx, req, now)
}

func (e *Engine) validateShape(req SubmitRequest) error {
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if req.Type != model.TypeMarket && req.Type != model.TypeLimit {
		return fmt.Errorf("%w: type must be market or limit", ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if _, err := instrument.ParseCode(req.Code); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch req.Type {
	case model.TypeMarket:
		if req.LimitPrice != nil {
			return fmt.Errorf("%w: market orders take no limit price", ErrValidation)
		}
		if !req.ReferencePrice.IsPositive() {
			return fmt.Errorf("%w: market orders require a positive reference price", ErrValidation)
		}
	case model.TypeLimit:
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit orders require a positive limit price", ErrValidation)
		}
		if err := instrument.ValidatePrice(req.Code, *req.LimitPrice); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// resolveReferencePrice cross-checks the caller-supplied price against
// the oracle. If the oracle knows a live price, the submission must sit
// within ±10% of it, and the oracle price becomes the effective
// reference — the engine does not trust callers for execution prices.
func (e *Engine) resolveReferencePrice(req SubmitRequest) (decimal.Decimal, error) {
	ref := req.ReferencePrice
	if !ref.IsPositive() {
		return ref, nil // limit orders may omit it; ticks drive their fills
	}
	if err := instrument.ValidatePrice(req.Code, ref); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	last, ok := e.oracle.LastPrice(req.Code)
	if !ok || !last.IsPositive() {
		return ref, nil
	}
	deviation := ref.Sub(last).Abs().Div(last)
	if deviation.GreaterThan(maxReferenceDeviation) {
		return decimal.Zero, fmt.Errorf("%w: reference price %s deviates %s%% from market %s",
			ErrValidation, ref, deviation.Mul(decimal.NewFromInt(100)).Round(1), last)
	}
	return last, nil
}

// validateFunds enforces affordability for buys and holdings for sells.
// Caller holds the participant lock.
func (e *Engine) validateFunds(ctx context.Context, p *model.Participant, code, side string, quantity, price, feeRate decimal.Decimal) error {
	switch side {
	case model.SideBuy:
		cost := price.Mul(quantity).Mul(decimal.NewFromInt(1).Add(feeRate))
		if p.Balance.LessThan(cost) {
			metrics.RejectionsTotal.WithLabelValues("insufficient_balance").Inc()
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost, p.Balance)
		}
	case model.SideSell:
		pos, err := e.store.GetPosition(ctx, p.ID, code)
		if errors.Is(err, store.ErrNotFound) || (err == nil && pos.Quantity.LessThan(quantity)) {
			metrics.RejectionsTotal.WithLabelValues("insufficient_position").Inc()
			return fmt.Errorf("%w: selling %s of %s", ErrInsufficientPosition, quantity, code)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// executeMarket fills a market order synchronously at the reference
// price: exactly one trade, the order is born terminal.
func (e *Engine) executeMarket(ctx context.Context, req SubmitRequest, price, feeRate decimal.Decimal, now time.Time) (*model.Order, *model.Trade, error) {
	fee := price.Mul(req.Quantity).Mul(feeRate)
	o := &model.Order{
		ID:             uuid.New().String(),
		ParticipantID:  req.ParticipantID,
		Code:           req.Code,
		Side:           req.Side,
		Type:           model.TypeMarket,
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		FilledPrice:    &price,
		Fee:            fee,
		Status:         model.StatusFilled,
		CreatedAt:      now,
		FilledAt:       &now,
	}

	trade, err := e.store.ApplyFill(ctx, store.Fill{
		Order:    o,
		Price:    price,
		Quantity: req.Quantity,
		Fee:      fee,
		At:       now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConsistency) {
			metrics.ConsistencyAborts.Inc()
			slog.Error("market fill aborted by consistency guard",
				"participant", req.ParticipantID, "code", req.Code, "err", err)
		}
		return nil, nil, err
	}

	metrics.FillsTotal.WithLabelValues(req.Side, "market").Inc()
	slog.Info("market order filled",
		"order_id", o.ID,
		"participant", req.ParticipantID,
		"code", req.Code,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"price", price.String(),
		"fee", fee.String(),
	)
	e.notifyFill(o, trade, "market")
	return o, trade, nil
}

// restLimit parks a limit order in the book; no trade occurs until a
// tick satisfies the trigger condition.
func (e *Engine) restLimit(ctx context.Context, req SubmitRequest, now time.Time) (*model.Order, *model.Trade, error) {
	o := &model.Order{
		ID:            uuid.New().String(),
		ParticipantID: req.ParticipantID,
		Code:          req.Code,
		Side:          req.Side,
		Type:          model.TypeLimit,
		LimitPrice:    req.LimitPrice,
		Quantity:      req.Quantity,
		Status:        model.StatusPending,
		CreatedAt:     now,
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, nil, err
	}

	e.book.Insert(book.Resting{
		OrderID:       o.ID,
		ParticipantID: o.ParticipantID,
		Code:          o.Code,
		Side:          o.Side,
		LimitPrice:    *o.LimitPrice,
		Quantity:      o.Quantity,
		CreatedAt:     o.CreatedAt,
	})
	metrics.RestingOrders.Set(float64(e.book.Depth()))

	slog.Info("limit order resting",
		"order_id", o.ID,
		"participant", req.ParticipantID,
		"code", req.Code,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"limit_price", req.LimitPrice.String(),
	)
	return o, nil, nil
}

// CancelOrder cancels a pending order owned by the participant. The race
// against a concurrent fill resolves to one winner: if the fill landed
// first the cancel returns store.ErrOrderTerminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID, participantID string) (*model.Order, error) {
	mu := e.locks.get(participantID)
	mu.Lock()
	defer mu.Unlock()

	o, err := e.store.GetOrder(ctx, orderID, participantID)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	cancelled, err := e.store.CancelOrder(ctx, o.ID, time.Now().UTC(), ReasonUserCancelled)
	if err != nil {
		if errors.Is(err, store.ErrOrderTerminal) {
			metrics.RejectionsTotal.WithLabelValues("already_terminal").Inc()
		}
		return nil, err
	}

	e.book.Remove(o.Code, o.ID)
	metrics.RestingOrders.Set(float64(e.book.Depth()))
	slog.Info("order cancelled", "order_id", o.ID, "participant", participantID)
	return cancelled, nil
}

// OnPriceTick records the tick and fills every resting limit order the
// price triggers, in price-time priority. Each order re-validates funds
// at current state before filling — an earlier fill in the same batch
// may have consumed the balance or position the original validation saw.
// Per-order failures never abort the rest of the batch.
func (e *Engine) OnPriceTick(ctx context.Context, tick model.PriceTick) {
	e.oracle.Update(tick)
	metrics.TicksTotal.WithLabelValues(tick.Code).Inc()

	triggered := e.book.Triggered(tick.Code, tick.Price)
	if len(triggered) == 0 {
		return
	}
	arrived := time.Now()

	for _, r := range triggered {
		if err := e.fillResting(ctx, r, tick.Price); err != nil {
			slog.Error("resting order evaluation failed",
				"order_id", r.OrderID, "code", tick.Code, "err", err)
		}
	}
	metrics.RestingOrders.Set(float64(e.book.Depth()))
	metrics.FillLatency.Observe(time.Since(arrived).Seconds())
}

// fillResting executes one triggered order at the tick price, or cancels
// it with a reason when re-validation fails.
func (e *Engine) fillResting(ctx context.Context, r book.Resting, price decimal.Decimal) error {
	mu := e.locks.get(r.ParticipantID)
	mu.Lock()
	defer mu.Unlock()

	o, err := e.store.GetOrder(ctx, r.OrderID, r.ParticipantID)
	if err != nil {
		// Only a confirmed missing row evicts the order; a transient
		// store error leaves it resting so the next tick retries.
		if errors.Is(err, store.ErrNotFound) {
			e.book.Remove(r.Code, r.OrderID)
		}
		return err
	}
	if o.Terminal() {
		// Lost the race to a cancel; nothing to do.
		e.book.Remove(r.Code, r.OrderID)
		return nil
	}

	p, err := e.store.GetParticipant(ctx, o.ParticipantID)
	if err != nil {
		return err
	}
	comp, err := e.store.GetCompetition(ctx, p.CompetitionID)
	if err != nil {
		return err
	}

	remaining := o.Remaining()
	now := time.Now().UTC()

	if err := e.validateFunds(ctx, p, o.Code, o.Side, remaining, price, comp.FeeRate); err != nil {
		if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrInsufficientPosition) {
			return err
		}
		return e.cancelUnfillable(ctx, o, err)
	}

	fee := price.Mul(remaining).Mul(comp.FeeRate)
	filled := weightedFillPrice(o, price, remaining)
	o.FilledQuantity = o.FilledQuantity.Add(remaining)
	o.FilledPrice = &filled
	o.Fee = o.Fee.Add(fee)
	o.Status = model.StatusFilled
	o.FilledAt = &now

	trade, err := e.store.ApplyFill(ctx, store.Fill{
		Order:    o,
		Price:    price,
		Quantity: remaining,
		Fee:      fee,
		At:       now,
	})
	if err != nil {
		if errors.Is(err, store.ErrOrderTerminal) {
			e.book.Remove(o.Code, o.ID)
			return nil
		}
		if errors.Is(err, store.ErrConsistency) {
			metrics.ConsistencyAborts.Inc()
			slog.Error("tick fill aborted by consistency guard",
				"order_id", o.ID, "participant", o.ParticipantID, "err", err)
			return e.cancelUnfillable(ctx, o, err)
		}
		return err
	}

	e.book.Remove(o.Code, o.ID)
	metrics.FillsTotal.WithLabelValues(o.Side, "tick").Inc()
	slog.Info("limit order filled",
		"order_id", o.ID,
		"participant", o.ParticipantID,
		"code", o.Code,
		"side", o.Side,
		"qty", remaining.String(),
		"price", price.String(),
		"fee", fee.String(),
	)
	e.notifyFill(o, trade, "tick")
	return nil
}

// cancelUnfillable moves a triggered-but-unfillable order to cancelled
// with a visible reason, so the participant can see why it never
// completed.
func (e *Engine) cancelUnfillable(ctx context.Context, o *model.Order, cause error) error {
	reason := ReasonConsistencyAbort
	switch {
	case errors.Is(cause, ErrInsufficientBalance):
		reason = ReasonInsufficientBalance
	case errors.Is(cause, ErrInsufficientPosition):
		reason = ReasonInsufficientPosition
	}

	if _, err := e.store.CancelOrder(ctx, o.ID, time.Now().UTC(), reason); err != nil {
		if !errors.Is(err, store.ErrOrderTerminal) {
			return err
		}
	}
	e.book.Remove(o.Code, o.ID)
	slog.Warn("resting order cancelled at trigger time",
		"order_id", o.ID, "participant", o.ParticipantID, "reason", reason)
	return nil
}

// weightedFillPrice folds a new execution into the order's running
// volume-weighted fill price. The full-fill policy produces one fill per
// order, but partial fills across ticks stay representable.
func weightedFillPrice(o *model.Order, price, quantity decimal.Decimal) decimal.Decimal {
	if o.FilledPrice == nil || o.FilledQuantity.IsZero() {
		return price
	}
	prev := o.FilledPrice.Mul(o.FilledQuantity)
	total := o.FilledQuantity.Add(quantity)
	return prev.Add(price.Mul(quantity)).Div(total)
}

func (e *Engine) notifyFill(o *model.Order, t *model.Trade, trigger string) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyFill(FillEvent{Order: *o, Trade: *t, Trigger: trigger})
}
