package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	competitions map[string]*model.Competition
	participants map[string]*model.Participant
	positions    map[string]map[string]*model.Position // participantID → code
	orders       map[string]*model.Order
	trades       []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		competitions: make(map[string]*model.Competition),
		participants: make(map[string]*model.Participant),
		positions:    make(map[string]map[string]*model.Position),
		orders:       make(map[string]*model.Order),
	}
}

func (s *MemoryStore) CreateCompetition(_ context.Context, c *model.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.competitions[c.ID]; ok {
		return fmt.Errorf("competition %s already exists", c.ID)
	}
	cp := *c
	s.competitions[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.competitions[id]
	if !ok {
		return nil, fmt.Errorf("competition %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) JoinCompetition(_ context.Context, competitionID, userID string) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[competitionID]
	if !ok {
		return nil, fmt.Errorf("competition %s: %w", competitionID, ErrNotFound)
	}
	for _, p := range s.participants {
		if p.CompetitionID == competitionID && p.UserID == userID {
			return nil, fmt.Errorf("user %s already joined competition %s", userID, competitionID)
		}
	}

	p := &model.Participant{
		ID:            uuid.New().String(),
		CompetitionID: competitionID,
		UserID:        userID,
		Balance:       c.InitialBalance,
		JoinedAt:      time.Now().UTC(),
	}
	s.participants[p.ID] = p
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, competitionID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Participant
	for _, p := range s.participants {
		if p.CompetitionID == competitionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, participantID, code string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[participantID][code]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", participantID, code, ErrNotFound)
	}
	cp := *pos
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, participantID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, pos := range s.positions[participantID] {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID, participantID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok || o.ParticipantID != participantID {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, participantID, status string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.ParticipantID != participantID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusPending {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, orderID string, at time.Time, reason string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.StatusPending {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrOrderTerminal)
	}

	o.Status = model.StatusCancelled
	o.CancelledAt = &at
	o.CancelReason = reason
	cp := *o
	return &cp, nil
}

// ApplyFill mutates balance, position, order, and ledger as one unit
// under the store lock. Solvency is re-checked here as the last guard:
// the engine validates before calling, so a violation is a defect and
// aborts the fill with ErrConsistency.
func (s *MemoryStore) ApplyFill(_ context.Context, f Fill) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := f.Order
	if existing, ok := s.orders[o.ID]; ok {
		if existing.Terminal() {
			return nil, fmt.Errorf("order %s is %s: %w", o.ID, existing.Status, ErrOrderTerminal)
		}
	}

	p, ok := s.participants[o.ParticipantID]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", o.ParticipantID, ErrNotFound)
	}

	total := f.Price.Mul(f.Quantity)

	switch o.Side {
	case model.SideBuy:
		cost := total.Add(f.Fee)
		if p.Balance.LessThan(cost) {
			return nil, fmt.Errorf("balance %s < cost %s: %w", p.Balance, cost, ErrConsistency)
		}
		p.Balance = p.Balance.Sub(cost)
		s.upsertPositionLocked(o.ParticipantID, o.Code, f.Quantity, f.Price, f.At)

	case model.SideSell:
		pos, ok := s.positions[o.ParticipantID][o.Code]
		if !ok || pos.Quantity.LessThan(f.Quantity) {
			return nil, fmt.Errorf("position %s/%s short of %s: %w",
				o.ParticipantID, o.Code, f.Quantity, ErrConsistency)
		}
		pos.Quantity = pos.Quantity.Sub(f.Quantity)
		pos.UpdatedAt = f.At
		if pos.Quantity.IsZero() {
			delete(s.positions[o.ParticipantID], o.Code)
		}
		p.Balance = p.Balance.Add(total.Sub(f.Fee))

	default:
		return nil, fmt.Errorf("unknown side %q", o.Side)
	}

	cp := *o
	s.orders[o.ID] = &cp

	trade := model.Trade{
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
	s.trades = append(s.trades, trade)
	return &trade, nil
}

// upsertPositionLocked adds quantity at price, maintaining the
// volume-weighted average buy price. Caller holds s.mu.
func (s *MemoryStore) upsertPositionLocked(participantID, code string, quantity, price decimal.Decimal, at time.Time) {
	byCode, ok := s.positions[participantID]
	if !ok {
		byCode = make(map[string]*model.Position)
		s.positions[participantID] = byCode
	}

	pos, ok := byCode[code]
	if !ok {
		byCode[code] = &model.Position{
			ParticipantID: participantID,
			Code:          code,
			Quantity:      quantity,
			AvgBuyPrice:   price,
			UpdatedAt:     at,
		}
		return
	}

	newQty := pos.Quantity.Add(quantity)
	pos.AvgBuyPrice = pos.Quantity.Mul(pos.AvgBuyPrice).Add(quantity.Mul(price)).Div(newQty)
	pos.Quantity = newQty
	pos.UpdatedAt = at
}

func (s *MemoryStore) ListTrades(_ context.Context, participantID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].ParticipantID == participantID {
			out = append(out, s.trades[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) CountTrades(_ context.Context, participantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.trades {
		if t.ParticipantID == participantID {
			n++
		}
	}
	return n, nil
}
