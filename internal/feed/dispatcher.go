// Package feed fans price ticks out to per-instrument evaluation
// workers. Slow evaluation of one instrument's triggered orders must
// never delay tick ingestion for another, so each code gets its own
// queue and goroutine.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mocktrade/contest-engine/internal/metrics"
	"github.com/mocktrade/contest-engine/internal/model"
)

// Sink consumes ticks, one instrument's stream at a time.
type Sink interface {
	OnPriceTick(ctx context.Context, tick model.PriceTick)
}

// Dispatcher routes ticks to one worker goroutine per instrument code.
// Publish never blocks: when a queue is full the tick is dropped and
// counted — the next tick carries a fresher price anyway.
type Dispatcher struct {
	sink    Sink
	buffer  int
	mu      sync.Mutex
	queues  map[string]chan model.PriceTick
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewDispatcher creates a dispatcher with the given per-instrument queue
// size.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:   sink,
		buffer: buffer,
		queues: make(map[string]chan model.PriceTick),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish hands a tick to its instrument's worker, spawning the worker
// on first sight of the code.
func (d *Dispatcher) Publish(tick model.PriceTick) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[tick.Code]
	if !ok {
		q = make(chan model.PriceTick, d.buffer)
		d.queues[tick.Code] = q
		d.wg.Add(1)
		go d.run(tick.Code, q)
	}
	d.mu.Unlock()

	select {
	case q <- tick:
	default:
		metrics.TicksDropped.WithLabelValues(tick.Code).Inc()
		slog.Warn("tick dropped, evaluation queue full", "code", tick.Code)
	}
}

// run drains one instrument's queue in order until Close.
func (d *Dispatcher) run(code string, q chan model.PriceTick) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case tick := <-q:
			d.sink.OnPriceTick(d.ctx, tick)
		}
	}
}

// Close stops all workers and waits for them to exit. Ticks still
// queued are discarded; the feed resumes with fresher prices anyway.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
