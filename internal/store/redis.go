package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mocktrade/contest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Balances and positions
// are the hot reads — every order submission hits them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// ReserveIdempotencyKey sets the key if absent, returning false when a
// request with the same key arrived within the TTL. Used by the order
// submission boundary to reject duplicate submissions.
func (s *CachedStore) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, idempotencyKey(key), "1", ttl).Result()
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	data, err := s.rdb.Get(ctx, competitionKey(id)).Bytes()
	if err == nil {
		var c model.Competition
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, competitionKey(id), data, s.ttl)
	}
	return c, nil
}

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	data, err := s.rdb.Get(ctx, participantKey(id)).Bytes()
	if err == nil {
		var p model.Participant
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, participantKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, participantID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(participantID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(participantID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyFill(ctx context.Context, f Fill) (*model.Trade, error) {
	trade, err := s.primary.ApplyFill(ctx, f)
	if err != nil {
		return nil, err
	}
	// A fill moved cash and holdings; next read re-populates.
	s.rdb.Del(ctx, participantKey(f.Order.ParticipantID), positionsKey(f.Order.ParticipantID))
	return trade, nil
}

func (s *CachedStore) JoinCompetition(ctx context.Context, competitionID, userID string) (*model.Participant, error) {
	p, err := s.primary.JoinCompetition(ctx, competitionID, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, participantKey(p.ID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	if err := s.primary.CreateCompetition(ctx, c); err != nil {
		return err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, competitionKey(c.ID), data, s.ttl)
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListParticipants(ctx context.Context, competitionID string) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx, competitionID)
}

func (s *CachedStore) GetPosition(ctx context.Context, participantID, code string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, participantID, code)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID, participantID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID, participantID)
}

func (s *CachedStore) ListOrders(ctx context.Context, participantID, status string, limit int) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, participantID, status, limit)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListPendingOrders(ctx)
}

func (s *CachedStore) CancelOrder(ctx context.Context, orderID string, at time.Time, reason string) (*model.Order, error) {
	return s.primary.CancelOrder(ctx, orderID, at, reason)
}

func (s *CachedStore) ListTrades(ctx context.Context, participantID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, participantID, limit)
}

func (s *CachedStore) CountTrades(ctx context.Context, participantID string) (int, error) {
	return s.primary.CountTrades(ctx, participantID)
}

// --- Cache helpers ---

func competitionKey(id string) string  { return fmt.Sprintf("competition:%s", id) }
func participantKey(id string) string  { return fmt.Sprintf("participant:%s", id) }
func positionsKey(id string) string    { return fmt.Sprintf("positions:%s", id) }
func idempotencyKey(key string) string { return fmt.Sprintf("order:idempotency:%s", key) }
