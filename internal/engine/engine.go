package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"
)

// Service is a background component that runs until ctx ends.
type Service interface {
	Run(ctx context.Context) error
}

// Options assembles a live or paper engine.
type Options struct {
	Pipeline *Pipeline
	// Stream writes into Events. It is connected on Run and disconnected
	// first on shutdown.
	Stream domain.ExchangeWorker
	Events chan event.Event

	InboxSize         int
	Tap               Tap
	ReconcileInterval time.Duration
	CancelTimeout     time.Duration
	// RollCheck is how often the session boundary is checked while the
	// market is quiet.
	RollCheck time.Duration
	DumpDir   string

	Services []Service
	// Closers run last, in order.
	Closers []io.Closer
}

// Engine runs a Pipeline against a live market stream.
type Engine struct {
	opts   Options
	p      *Pipeline
	router *Router
}

// New validates opts and builds the per-symbol router.
func New(opts Options) (*Engine, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("engine: pipeline required")
	}
	if opts.Stream == nil || opts.Events == nil {
		return nil, fmt.Errorf("engine: stream and event channel required")
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 5 * time.Second
	}
	if opts.RollCheck <= 0 {
		opts.RollCheck = time.Second
	}
	if opts.DumpDir == "" {
		opts.DumpDir = "."
	}

	e := &Engine{opts: opts, p: opts.Pipeline}
	e.router = NewRouter(opts.Pipeline.Symbols(), opts.InboxSize, opts.Pipeline)
	if opts.Tap != nil {
		e.router.SetTap(opts.Tap)
	}
	e.router.OnPanic(func(symbol string, _ any) {
		e.p.DumpState(filepath.Join(opts.DumpDir, "panic_dump_"+symbol+".json"))
	})
	return e, nil
}

// Pipeline returns the engine's trading chain.
func (e *Engine) Pipeline() *Pipeline { return e.p }

// Run trades until ctx ends, then shuts down in order: stop ingress, drain
// the sequencers, cancel resting orders, reconcile, flush sinks. Shutdown
// runs on its own context so it is not cut short by ctx.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	ingressCtx, stopIngress := context.WithCancel(runCtx)
	defer stopIngress()

	e.router.Start(runCtx)

	ingressDone := make(chan struct{})
	go func() {
		defer close(ingressDone)
		e.router.Run(ingressCtx, e.opts.Events)
	}()

	if err := e.opts.Stream.Connect(runCtx); err != nil {
		stopIngress()
		<-ingressDone
		e.router.Close()
		return fmt.Errorf("connect stream: %w", err)
	}
	slog.Info("🚀 engine running", slog.Any("symbols", e.router.Symbols()))

	var bg sync.WaitGroup
	if e.opts.ReconcileInterval > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			e.p.Execution().RunReconciler(runCtx, e.opts.ReconcileInterval)
		}()
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		e.rollLoop(runCtx)
	}()
	for _, svc := range e.opts.Services {
		bg.Add(1)
		go func(svc Service) {
			defer bg.Done()
			if err := svc.Run(runCtx); err != nil {
				slog.Error("service stopped", slog.Any("error", err))
			}
		}(svc)
	}

	<-ctx.Done()
	slog.Info("🛑 shutting down")

	// 1. no new market data, no new intents
	e.opts.Stream.Disconnect()
	e.p.Stop()

	// 2. stop ingress and hand over what the connector already queued
	stopIngress()
	<-ingressDone
	e.drainEvents(runCtx)

	// 3. sequencers finish their inboxes
	e.router.Close()

	// 4. pull resting orders, then confirm final state with the venue
	cctx, cancel := context.WithTimeout(runCtx, e.opts.CancelTimeout)
	if err := e.p.Execution().CancelAll(cctx, true); err != nil {
		slog.Warn("cancel all on shutdown", slog.Any("error", err))
	}
	if err := e.p.Execution().Reconcile(cctx); err != nil {
		slog.Warn("reconcile on shutdown", slog.Any("error", err))
	}
	cancel()

	// 5. background services
	stopRun()
	bg.Wait()

	// 6. sinks
	for _, c := range e.opts.Closers {
		if err := c.Close(); err != nil {
			slog.Warn("close on shutdown", slog.Any("error", err))
		}
	}

	snap := e.p.Metrics().Snapshot()
	slog.Info("✅ engine stopped",
		slog.String("realized", e.p.Ledger().Realized().String()),
		slog.Int("fills", e.p.Ledger().FillCount()),
		slog.Uint64("events", snap.EventsProcessed),
		slog.Int("open_orders", len(e.p.Execution().OpenOrders())))
	return nil
}

func (e *Engine) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-e.opts.Events:
			e.router.Dispatch(ctx, ev)
		default:
			return
		}
	}
}

// rollLoop rolls the session day when no event arrives around the
// boundary.
func (e *Engine) rollLoop(ctx context.Context) {
	t := time.NewTicker(e.opts.RollCheck)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.p.Roll(e.p.clock.Now())
		}
	}
}
