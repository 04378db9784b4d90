package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Solvency guards live in the UPDATE predicates themselves, so concurrent
// fills cannot overdraw a balance or oversell a position even across
// engine instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitions (id, name, initial_balance, fee_rate, start_time, end_time, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)`,
		c.ID, c.Name, c.InitialBalance.String(), c.FeeRate.String(),
		c.StartTime, c.EndTime, c.Status, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	var c model.Competition
	var initial, feeRate string

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, initial_balance::TEXT, fee_rate::TEXT,
		        start_time, end_time, status, created_at
		 FROM competitions WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &initial, &feeRate,
			&c.StartTime, &c.EndTime, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("competition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get competition %s: %w", id, err)
	}

	c.InitialBalance, _ = decimal.NewFromString(initial)
	c.FeeRate, _ = decimal.NewFromString(feeRate)
	return &c, nil
}

func (s *PostgresStore) JoinCompetition(ctx context.Context, competitionID, userID string) (*model.Participant, error) {
	c, err := s.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	p := &model.Participant{
		ID:            uuid.New().String(),
		CompetitionID: competitionID,
		UserID:        userID,
		Balance:       c.InitialBalance,
		JoinedAt:      time.Now().UTC(),
	}

	// uq_participant_competition_user rejects double joins.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO participants (id, competition_id, user_id, balance, joined_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		p.ID, p.CompetitionID, p.UserID, p.Balance.String(), p.JoinedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("join competition %s: %w", competitionID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p model.Participant
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, competition_id, user_id, balance::TEXT, joined_at
		 FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &p.CompetitionID, &p.UserID, &balance, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}

	p.Balance, _ = decimal.NewFromString(balance)
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, competitionID string) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, competition_id, user_id, balance::TEXT, joined_at
		 FROM participants WHERE competition_id = $1 ORDER BY joined_at`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []model.Participant
	for rows.Next() {
		var p model.Participant
		var balance string
		if err := rows.Scan(&p.ID, &p.CompetitionID, &p.UserID, &balance, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.Balance, _ = decimal.NewFromString(balance)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, participantID, code string) (*model.Position, error) {
	var p model.Position
	var qty, avg string

	err := s.pool.QueryRow(ctx,
		`SELECT participant_id, code, quantity::TEXT, avg_buy_price::TEXT, updated_at
		 FROM positions WHERE participant_id = $1 AND code = $2`, participantID, code).
		Scan(&p.ParticipantID, &p.Code, &qty, &avg, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", participantID, code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", participantID, code, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvgBuyPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, participantID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, code, quantity::TEXT, avg_buy_price::TEXT, updated_at
		 FROM positions WHERE participant_id = $1 ORDER BY code`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg string
		if err := rows.Scan(&p.ParticipantID, &p.Code, &qty, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AvgBuyPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, participant_id, code, side, type, limit_price, quantity,
		                     filled_quantity, filled_price, fee, status, cancel_reason,
		                     created_at, filled_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11, $12, $13, $14, $15)`,
		o.ID, o.ParticipantID, o.Code, o.Side, o.Type,
		decimalPtrString(o.LimitPrice), o.Quantity.String(),
		o.FilledQuantity.String(), decimalPtrString(o.FilledPrice),
		o.Fee.String(), o.Status, o.CancelReason,
		o.CreatedAt, o.FilledAt, o.CancelledAt,
	)
	return err
}

const orderColumns = `id, participant_id, code, side, type, limit_price::TEXT, quantity::TEXT,
	filled_quantity::TEXT, filled_price::TEXT, fee::TEXT, status,
	COALESCE(cancel_reason, ''), created_at, filled_at, cancelled_at`

func (s *PostgresStore) GetOrder(ctx context.Context, orderID, participantID string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND participant_id = $2`,
		orderID, participantID)

	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, participantID, status string, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE participant_id = $1`
	args := []any{participantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at`,
		model.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CancelOrder(ctx context.Context, orderID string, at time.Time, reason string) (*model.Order, error) {
	// The status predicate makes the cancel/fill race resolve at the row:
	// whichever conditional update lands first wins, the other sees 0 rows.
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, cancelled_at = $3, cancel_reason = $4
		 WHERE id = $1 AND status = $5`,
		orderID, model.StatusCancelled, at, reason, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("order %s is %s: %w", orderID, status, ErrOrderTerminal)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

// ApplyFill runs the full fill as one transaction: conditional balance or
// position mutation, position upsert or cleanup, order upsert, trade
// insert. A failed solvency predicate rolls the whole unit back.
func (s *PostgresStore) ApplyFill(ctx context.Context, f Fill) (*model.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	o := f.Order
	total := f.Price.Mul(f.Quantity)

	switch o.Side {
	case model.SideBuy:
		cost := total.Add(f.Fee)
		tag, err := tx.Exec(ctx,
			`UPDATE participants SET balance = balance - $2::NUMERIC
			 WHERE id = $1 AND balance >= $2::NUMERIC`,
			o.ParticipantID, cost.String())
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("debit %s from participant %s: %w",
				cost, o.ParticipantID, ErrConsistency)
		}

		// Volume-weighted average maintained in the upsert itself
		// (uq_position_participant_code backs the conflict target).
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (participant_id, code, quantity, avg_buy_price, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
			 ON CONFLICT (participant_id, code) DO UPDATE SET
			     avg_buy_price = (positions.quantity * positions.avg_buy_price
			                      + EXCLUDED.quantity * EXCLUDED.avg_buy_price)
			                     / (positions.quantity + EXCLUDED.quantity),
			     quantity = positions.quantity + EXCLUDED.quantity,
			     updated_at = EXCLUDED.updated_at`,
			o.ParticipantID, o.Code, f.Quantity.String(), f.Price.String(), f.At)
		if err != nil {
			return nil, err
		}

	case model.SideSell:
		tag, err := tx.Exec(ctx,
			`UPDATE positions SET quantity = quantity - $3::NUMERIC, updated_at = $4
			 WHERE participant_id = $1 AND code = $2 AND quantity >= $3::NUMERIC`,
			o.ParticipantID, o.Code, f.Quantity.String(), f.At)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("sell %s of %s/%s: %w",
				f.Quantity, o.ParticipantID, o.Code, ErrConsistency)
		}

		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE participant_id = $1 AND code = $2 AND quantity = 0`,
			o.ParticipantID, o.Code)
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx,
			`UPDATE participants SET balance = balance + $2::NUMERIC WHERE id = $1`,
			o.ParticipantID, total.Sub(f.Fee).String())
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown side %q", o.Side)
	}

	// Market orders arrive already terminal and insert fresh; resting
	// orders update conditionally so a concurrent cancel wins cleanly.
	if o.Type == model.TypeMarket {
		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, participant_id, code, side, type, limit_price, quantity,
			                     filled_quantity, filled_price, fee, status, cancel_reason,
			                     created_at, filled_at, cancelled_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			         $10::NUMERIC, $11, $12, $13, $14, $15)`,
			o.ID, o.ParticipantID, o.Code, o.Side, o.Type,
			decimalPtrString(o.LimitPrice), o.Quantity.String(),
			o.FilledQuantity.String(), decimalPtrString(o.FilledPrice),
			o.Fee.String(), o.Status, o.CancelReason,
			o.CreatedAt, o.FilledAt, o.CancelledAt)
		if err != nil {
			return nil, err
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET filled_quantity = $2::NUMERIC, filled_price = $3::NUMERIC,
			                   fee = $4::NUMERIC, status = $5, filled_at = $6
			 WHERE id = $1 AND status = $7`,
			o.ID, o.FilledQuantity.String(), decimalPtrString(o.FilledPrice),
			o.Fee.String(), o.Status, o.FilledAt, model.StatusPending)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("order %s: %w", o.ID, ErrOrderTerminal)
		}
	}

	trade := &model.Trade{
		ID:            uuid.New().String(),
		OrderID:       o.ID,
		ParticipantID: o.ParticipantID,
		Code:          o.Code,
		Side:          o.Side,
		Price:         f.Price,
		Quantity:      f.Quantity,
		TotalAmount:   total,
		Fee:           f.Fee,
		CreatedAt:     f.At,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, order_id, participant_id, code, side, price, quantity, total_amount, fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		trade.ID, trade.OrderID, trade.ParticipantID, trade.Code, trade.Side,
		trade.Price.String(), trade.Quantity.String(), trade.TotalAmount.String(),
		trade.Fee.String(), trade.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return trade, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, participantID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, participant_id, code, side,
		        price::TEXT, quantity::TEXT, total_amount::TEXT, fee::TEXT, created_at
		 FROM trades WHERE participant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		participantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, qty, total, fee string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.ParticipantID, &t.Code, &t.Side,
			&price, &qty, &total, &fee, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Quantity, _ = decimal.NewFromString(qty)
		t.TotalAmount, _ = decimal.NewFromString(total)
		t.Fee, _ = decimal.NewFromString(fee)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CountTrades(ctx context.Context, participantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE participant_id = $1`, participantID).Scan(&n)
	return n, err
}

// --- scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var limitPrice, filledPrice *string
	var qty, filledQty, fee string

	err := row.Scan(&o.ID, &o.ParticipantID, &o.Code, &o.Side, &o.Type,
		&limitPrice, &qty, &filledQty, &filledPrice, &fee,
		&o.Status, &o.CancelReason, &o.CreatedAt, &o.FilledAt, &o.CancelledAt)
	if err != nil {
		return nil, err
	}

	o.Quantity, _ = decimal.NewFromString(qty)
	o.FilledQuantity, _ = decimal.NewFromString(filledQty)
	o.Fee, _ = decimal.NewFromString(fee)
	o.LimitPrice = stringPtrDecimal(limitPrice)
	o.FilledPrice = stringPtrDecimal(filledPrice)
	return &o, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func stringPtrDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
