package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"market_maker/internal/event"
)

// Tap observes every routed event before it is handed to a sequencer. It
// must not retain the event.
type Tap interface {
	Record(ev event.Event)
}

// Router fans the connector's single event stream out to one Sequencer per
// symbol. Symbols progress independently; within a symbol order is kept.
type Router struct {
	seqs    map[string]*Sequencer
	tap     Tap
	dropped atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRouter creates a sequencer per symbol, all feeding h.
func NewRouter(symbols []string, inboxSize int, h Handler) *Router {
	r := &Router{seqs: make(map[string]*Sequencer, len(symbols))}
	for _, sym := range symbols {
		r.seqs[sym] = NewSequencer(sym, inboxSize, h)
	}
	return r
}

// SetTap installs t. Call before Start.
func (r *Router) SetTap(t Tap) { r.tap = t }

// OnPanic installs fn on every sequencer. Call before Start.
func (r *Router) OnPanic(fn func(symbol string, v any)) {
	for _, s := range r.seqs {
		s.onPanic = fn
	}
}

// Symbols returns the routed symbols, sorted.
func (r *Router) Symbols() []string {
	out := make([]string, 0, len(r.seqs))
	for sym := range r.seqs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Dropped counts events for symbols nobody subscribed to.
func (r *Router) Dropped() int64 { return r.dropped.Load() }

// Start launches the sequencer goroutines.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		for _, s := range r.seqs {
			r.wg.Add(1)
			go func(s *Sequencer) {
				defer r.wg.Done()
				s.Run(ctx)
			}(s)
		}
	})
}

// Dispatch hands ev to its symbol's sequencer, blocking while the inbox is
// full. It returns false if ctx ended first or the symbol is unknown; the
// event is released in both cases.
func (r *Router) Dispatch(ctx context.Context, ev event.Event) bool {
	s, ok := r.seqs[ev.GetSymbol()]
	if !ok {
		r.dropped.Add(1)
		event.Release(ev)
		return false
	}
	if r.tap != nil {
		r.tap.Record(ev)
	}
	select {
	case s.inbox <- ev:
		return true
	case <-ctx.Done():
		event.Release(ev)
		return false
	}
}

// Run dispatches from in until it is closed or ctx ends.
func (r *Router) Run(ctx context.Context, in <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			r.Dispatch(ctx, ev)
		}
	}
}

// Close closes every inbox and waits until the sequencers drained them.
// Dispatch must not be called afterwards.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		for _, s := range r.seqs {
			s.Close()
		}
	})
	r.wg.Wait()
	if n := r.dropped.Load(); n > 0 {
		slog.Warn("events for unrouted symbols dropped", slog.Int64("count", n))
	}
}
