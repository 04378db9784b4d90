// Package oracle holds the last known trade price per instrument code.
// The price feed writes it, the engine and the leaderboard valuator read
// it; nothing else in the system produces prices.
package oracle

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
)

// Oracle is a concurrency-safe last-price cache. Within one instrument's
// stream ticks are monotonically timestamped, so an older tick for the
// same code never overwrites a newer one.
type Oracle struct {
	mu    sync.RWMutex
	ticks map[string]model.PriceTick
}

// New creates an empty oracle.
func New() *Oracle {
	return &Oracle{ticks: make(map[string]model.PriceTick)}
}

// Update records a tick. Ticks older than the stored one for the same
// code are ignored.
func (o *Oracle) Update(t model.PriceTick) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.ticks[t.Code]; ok && t.Timestamp.Before(prev.Timestamp) {
		return
	}
	o.ticks[t.Code] = t
}

// LastPrice returns the latest known price for a code.
func (o *Oracle) LastPrice(code string) (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	t, ok := o.ticks[code]
	return t.Price, ok
}

// Snapshot returns a copy of all last known prices.
func (o *Oracle) Snapshot() map[string]decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(o.ticks))
	for code, t := range o.ticks {
		out[code] = t.Price
	}
	return out
}
