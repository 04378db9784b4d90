// Package api provides the HTTP handlers for order submission, history
// queries, portfolio reads, leaderboard snapshots, and tick ingestion.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/engine"
	"github.com/mocktrade/contest-engine/internal/feed"
	"github.com/mocktrade/contest-engine/internal/leaderboard"
	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/store"
)

// participantHeader identifies the caller. Issuing and verifying the
// credential behind it belongs to the auth layer, not this engine.
const participantHeader = "X-Participant-ID"

const (
	defaultPageLimit = 50
	maxPageLimit     = 100

	idempotencyTTL = 5 * time.Second
)

// IdempotencyReserver rejects duplicate order submissions that reuse a
// key within the TTL. Implemented by store.CachedStore; nil disables the
// check.
type IdempotencyReserver interface {
	ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Service handles the order-submission and query boundary.
type Service struct {
	engine     *engine.Engine
	store      store.Store
	valuator   *leaderboard.Valuator
	dispatcher *feed.Dispatcher
	idem       IdempotencyReserver
	wsHub      *WSHub
}

// NewService creates the HTTP service. idem and hub may be nil.
func NewService(eng *engine.Engine, st store.Store, val *leaderboard.Valuator, disp *feed.Dispatcher, idem IdempotencyReserver, hub *WSHub) *Service {
	return &Service{
		engine:     eng,
		store:      st,
		valuator:   val,
		dispatcher: disp,
		idem:       idem,
		wsHub:      hub,
	}
}

// Routes mounts all handlers under the given router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/orders", s.CreateOrder)
	r.Get("/orders", s.ListOrders)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/trades", s.ListTrades)
	r.Get("/balance", s.GetBalance)
	r.Get("/positions", s.ListPositions)

	r.Post("/competitions", s.CreateCompetition)
	r.Post("/competitions/{competitionID}/join", s.JoinCompetition)
	r.Get("/competitions/{competitionID}/leaderboard", s.Leaderboard)

	r.Post("/ticks", s.IngestTick)
}

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	Code           string           `json:"code"`
	Side           string           `json:"side"` // "buy" or "sell"
	Type           string           `json:"type"` // "market" or "limit"
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	CurrentPrice   decimal.Decimal  `json:"current_price"` // caller's view of the market
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse is the created order plus immediate fill data for
// market orders.
type CreateOrderResponse struct {
	Order *model.Order `json:"order"`
	Trade *model.Trade `json:"trade,omitempty"`
}

// JoinRequest is the JSON body for POST /competitions/{id}/join.
type JoinRequest struct {
	UserID string `json:"user_id"`
}

// --- HTTP Handlers ---

// CreateOrder handles POST /api/v1/orders.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "validation_error", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if s.idem != nil && req.IdempotencyKey != "" {
		fresh, err := s.idem.ReserveIdempotencyKey(ctx, participantID+":"+req.IdempotencyKey, idempotencyTTL)
		if err != nil {
			slog.Warn("idempotency check unavailable", "err", err)
		} else if !fresh {
			writeError(w, "duplicate_order", "duplicate order detected, wait before retrying", http.StatusConflict)
			return
		}
	}

	order, trade, err := s.engine.SubmitOrder(ctx, engine.SubmitRequest{
		ParticipantID:  participantID,
		Code:           req.Code,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.Price,
		ReferencePrice: req.CurrentPrice,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateOrderResponse{Order: order, Trade: trade})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}
	orderID := chi.URLParam(r, "orderID")

	order, err := s.engine.CancelOrder(r.Context(), orderID, participantID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}

	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"), participantID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// ListOrders handles GET /api/v1/orders?status=&limit=.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}

	orders, err := s.store.ListOrders(r.Context(), participantID,
		r.URL.Query().Get("status"), pageLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// ListTrades handles GET /api/v1/trades?limit=.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}

	trades, err := s.store.ListTrades(r.Context(), participantID, pageLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetBalance handles GET /api/v1/balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetParticipant(r.Context(), participantID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"participant_id": p.ID,
		"competition_id": p.CompetitionID,
		"balance":        p.Balance,
	})
}

// ListPositions handles GET /api/v1/positions.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeError(w, "validation_error", participantHeader+" header is required", http.StatusBadRequest)
		return
	}

	positions, err := s.store.ListPositions(r.Context(), participantID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// CreateCompetitionRequest is the JSON body for POST /competitions.
type CreateCompetitionRequest struct {
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FeeRate        decimal.Decimal `json:"fee_rate"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
}

// CreateCompetition handles POST /api/v1/competitions.
func (s *Service) CreateCompetition(w http.ResponseWriter, r *http.Request) {
	var req CreateCompetitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "validation_error", "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || !req.InitialBalance.IsPositive() {
		writeError(w, "validation_error", "name and positive initial_balance are required", http.StatusBadRequest)
		return
	}
	if !req.EndTime.After(req.StartTime) {
		writeError(w, "validation_error", "end_time must be after start_time", http.StatusBadRequest)
		return
	}
	if req.FeeRate.IsNegative() {
		writeError(w, "validation_error", "fee_rate must not be negative", http.StatusBadRequest)
		return
	}

	comp := &model.Competition{
		ID:             uuid.NewString(),
		Name:           req.Name,
		InitialBalance: req.InitialBalance,
		FeeRate:        req.FeeRate,
		StartTime:      req.StartTime.UTC(),
		EndTime:        req.EndTime.UTC(),
		Status:         model.CompetitionActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateCompetition(r.Context(), comp); err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("competition created", "competition", comp.ID, "name", comp.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(comp)
}

// JoinCompetition handles POST /api/v1/competitions/{competitionID}/join.
func (s *Service) JoinCompetition(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "validation_error", "user_id is required", http.StatusBadRequest)
		return
	}

	p, err := s.store.JoinCompetition(r.Context(), chi.URLParam(r, "competitionID"), req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeEngineError(w, err)
			return
		}
		writeError(w, "conflict", err.Error(), http.StatusConflict)
		return
	}

	slog.Info("participant joined",
		"participant", p.ID,
		"competition", p.CompetitionID,
		"user", p.UserID,
		"balance", p.Balance.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// Leaderboard handles GET /api/v1/competitions/{competitionID}/leaderboard.
// The optional current_prices query parameter is a JSON object of
// code → price overriding the stored last-known prices.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	var overrides map[string]decimal.Decimal
	if raw := r.URL.Query().Get("current_prices"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			writeError(w, "validation_error", "current_prices must be a JSON object of code to price", http.StatusBadRequest)
			return
		}
	}

	entries, err := s.valuator.Snapshot(r.Context(), chi.URLParam(r, "competitionID"), overrides)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// IngestTick handles POST /api/v1/ticks — the boundary the external
// price-feed ingester delivers ticks through.
func (s *Service) IngestTick(w http.ResponseWriter, r *http.Request) {
	var tick model.PriceTick
	if err := json.NewDecoder(r.Body).Decode(&tick); err != nil {
		writeError(w, "validation_error", "invalid tick body", http.StatusBadRequest)
		return
	}
	if tick.Code == "" || !tick.Price.IsPositive() {
		writeError(w, "validation_error", "tick requires code and positive price", http.StatusBadRequest)
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now().UTC()
	}

	s.dispatcher.Publish(tick)
	if s.wsHub != nil {
		s.wsHub.BroadcastTick(tick)
	}

	w.WriteHeader(http.StatusAccepted)
}

// --- helpers ---

func pageLimit(r *http.Request) int {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit
}

// writeError writes a JSON error response with a stable machine-readable
// kind.
func writeError(w http.ResponseWriter, kind, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"kind": kind, "error": message})
}

// writeEngineError maps the engine/store error taxonomy onto HTTP.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, "validation_error", err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrInsufficientBalance):
		writeError(w, "insufficient_balance", err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrInsufficientPosition):
		writeError(w, "insufficient_position", err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrCompetitionClosed):
		writeError(w, "competition_closed", err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrOrderTerminal):
		writeError(w, "already_terminal", err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrConsistency):
		slog.Error("consistency violation surfaced to API", "err", err)
		writeError(w, "consistency_violation", "fill aborted by consistency guard", http.StatusInternalServerError)
	default:
		writeError(w, "internal", err.Error(), http.StatusInternalServerError)
	}
}
