package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"market_maker/internal/event"
)

// Handler consumes one symbol's events in order.
type Handler interface {
	HandleEvent(ctx context.Context, ev event.Event)
	HaltSymbol(ctx context.Context, symbol string, cause error)
}

// Sequencer is the single-goroutine event processor of one symbol. Every
// event of the symbol passes through its inbox, so the handler never sees
// two events of the same symbol concurrently.
type Sequencer struct {
	symbol  string
	inbox   chan event.Event
	handler Handler
	done    chan struct{}
	// onPanic is called after a handler panic was turned into a halt.
	onPanic func(symbol string, r any)

	closeOnce sync.Once
}

// NewSequencer creates a sequencer for symbol.
func NewSequencer(symbol string, inboxSize int, h Handler) *Sequencer {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Sequencer{
		symbol:  symbol,
		inbox:   make(chan event.Event, inboxSize),
		handler: h,
		done:    make(chan struct{}),
	}
}

// Inbox returns the event channel. The router sends here.
func (s *Sequencer) Inbox() chan<- event.Event {
	return s.inbox
}

// Done is closed once Run returned.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting events. Run drains what is queued and returns.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() { close(s.inbox) })
}

// Run processes events until the inbox is closed. It MUST be run in a
// single goroutine. Pooled events are released after handling.
func (s *Sequencer) Run(ctx context.Context) {
	defer close(s.done)
	slog.Debug("sequencer started", slog.String("symbol", s.symbol))

	for ev := range s.inbox {
		s.process(ctx, ev)
		event.Release(ev)
	}
	slog.Debug("sequencer drained", slog.String("symbol", s.symbol))
}

// process isolates handler panics: the symbol halts, the process lives on.
func (s *Sequencer) process(ctx context.Context, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.String("symbol", s.symbol), slog.Any("panic", r))
			s.handler.HaltSymbol(ctx, s.symbol, fmt.Errorf("panic while handling %s: %v", ev.GetType(), r))
			if s.onPanic != nil {
				s.onPanic(s.symbol, r)
			}
		}
	}()
	s.handler.HandleEvent(ctx, ev)
}
