// Package leaderboard derives ranked net-worth snapshots for a
// competition. It reads the portfolio store and the price oracle and
// mutates nothing, so it can run while fills are in flight; entries
// within one snapshot are consistent to within the current tick window.
package leaderboard

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/oracle"
	"github.com/mocktrade/contest-engine/internal/store"
)

// Entry is one participant's row in a snapshot.
type Entry struct {
	Rank          int             `json:"rank"`
	ParticipantID string          `json:"participant_id"`
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	PositionValue decimal.Decimal `json:"position_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	ProfitRate    decimal.Decimal `json:"profit_rate"` // percent vs initial balance
	TradeCount    int             `json:"trade_count"`
}

// Valuator computes leaderboard snapshots.
type Valuator struct {
	store  store.Store
	oracle *oracle.Oracle
}

// NewValuator creates a valuator over the given store and oracle.
func NewValuator(st store.Store, or *oracle.Oracle) *Valuator {
	return &Valuator{store: st, oracle: or}
}

// Snapshot ranks every participant in the competition by net worth:
// cash plus positions valued at the freshest available price. The
// overrides map wins over the oracle; when neither knows a price the
// position's average buy price stands in. Ties rank the earlier joiner
// first.
func (v *Valuator) Snapshot(ctx context.Context, competitionID string, overrides map[string]decimal.Decimal) ([]Entry, error) {
	comp, err := v.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	participants, err := v.store.ListParticipants(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	entries := make([]Entry, 0, len(participants))
	joinedAt := make(map[string]int64, len(participants))

	for _, p := range participants {
		positions, err := v.store.ListPositions(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		value := decimal.Zero
		for _, pos := range positions {
			value = value.Add(pos.Quantity.Mul(v.price(pos, overrides)))
		}

		netWorth := p.Balance.Add(value)
		profitRate := decimal.Zero
		if comp.InitialBalance.IsPositive() {
			profitRate = netWorth.Sub(comp.InitialBalance).Div(comp.InitialBalance).Mul(hundred).Round(4)
		}

		tradeCount, err := v.store.CountTrades(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		joinedAt[p.ID] = p.JoinedAt.UnixNano()
		entries = append(entries, Entry{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Balance:       p.Balance,
			PositionValue: value,
			NetWorth:      netWorth,
			ProfitRate:    profitRate,
			TradeCount:    tradeCount,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].NetWorth.Equal(entries[j].NetWorth) {
			return entries[i].NetWorth.GreaterThan(entries[j].NetWorth)
		}
		return joinedAt[entries[i].ParticipantID] < joinedAt[entries[j].ParticipantID]
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (v *Valuator) price(pos model.Position, overrides map[string]decimal.Decimal) decimal.Decimal {
	if p, ok := overrides[pos.Code]; ok && p.IsPositive() {
		return p
	}
	if p, ok := v.oracle.LastPrice(pos.Code); ok && p.IsPositive() {
		return p
	}
	return pos.AvgBuyPrice
}
