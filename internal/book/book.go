// Package book indexes resting limit orders per instrument code,
// partitioned by side, so that a price tick can find the orders it
// triggers without scanning unrelated instruments.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
)

// Resting is the book's view of one pending limit order. It carries just
// what trigger evaluation needs; the store keeps the full order row.
type Resting struct {
	OrderID       string
	ParticipantID string
	Code          string
	Side          string
	LimitPrice    decimal.Decimal
	Quantity      decimal.Decimal
	CreatedAt     time.Time

	seq uint64 // insertion order, tie-break when CreatedAt collides
}

type codeBook struct {
	buys  map[string]*Resting
	sells map[string]*Resting
}

// Book holds all resting limit orders. Safe for concurrent use.
type Book struct {
	mu     sync.RWMutex
	byCode map[string]*codeBook
	seq    uint64
	depth  int
}

// New creates an empty book.
func New() *Book {
	return &Book{byCode: make(map[string]*codeBook)}
}

// Insert adds a resting order.
func (b *Book) Insert(r Resting) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.byCode[r.Code]
	if !ok {
		cb = &codeBook{buys: make(map[string]*Resting), sells: make(map[string]*Resting)}
		b.byCode[r.Code] = cb
	}

	b.seq++
	r.seq = b.seq
	if r.Side == model.SideBuy {
		cb.buys[r.OrderID] = &r
	} else {
		cb.sells[r.OrderID] = &r
	}
	b.depth++
}

// Remove deletes a resting order by ID. Returns false if it was not
// resting (already triggered or never inserted).
func (b *Book) Remove(code, orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.byCode[code]
	if !ok {
		return false
	}
	if _, ok := cb.buys[orderID]; ok {
		delete(cb.buys, orderID)
		b.depth--
		return true
	}
	if _, ok := cb.sells[orderID]; ok {
		delete(cb.sells, orderID)
		b.depth--
		return true
	}
	return false
}

// Triggered returns the resting orders whose trigger condition holds at
// the given price: buys with limit >= price, sells with limit <= price.
// The result is in price-time priority — createdAt ascending, insertion
// order as the tie-break — so fills stay deterministic and fair.
func (b *Book) Triggered(code string, price decimal.Decimal) []Resting {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cb, ok := b.byCode[code]
	if !ok {
		return nil
	}

	var out []Resting
	for _, r := range cb.buys {
		if price.LessThanOrEqual(r.LimitPrice) {
			out = append(out, *r)
		}
	}
	for _, r := range cb.sells {
		if price.GreaterThanOrEqual(r.LimitPrice) {
			out = append(out, *r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Depth returns the total number of resting orders.
func (b *Book) Depth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.depth
}
