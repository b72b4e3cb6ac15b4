package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/infra"
)

const writeAttempts = 3

// Writer is an asynchronous domain.Recorder over Storage. Records are
// queued and written by a single goroutine in arrival order. A full queue
// blocks the caller; nothing is dropped.
type Writer struct {
	st      *Storage
	queue   chan any
	done    chan struct{}
	backoff infra.Backoff

	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
	logger  *slog.Logger
}

// NewWriter starts the drain goroutine. size is the queue capacity.
func NewWriter(st *Storage, size int) *Writer {
	if size <= 0 {
		size = 1024
	}
	w := &Writer{
		st:      st,
		queue:   make(chan any, size),
		done:    make(chan struct{}),
		backoff: infra.NewBackoff(infra.BackoffConfig{Min: 50 * time.Millisecond, Max: time.Second}),
		logger:  slog.Default().With("module", "storage"),
	}
	go w.run()
	return w
}

func (w *Writer) RecordTrade(f domain.Fill)           { w.enqueue(tradeRecord(f)) }
func (w *Writer) RecordOrder(o domain.Order)          { w.enqueue(orderRecord(o)) }
func (w *Writer) RecordPosition(p domain.Position)    { w.enqueue(positionRecord(p)) }
func (w *Writer) RecordRiskEvent(ev domain.RiskEvent) { w.enqueue(ev) }

// Written returns how many records reached the database.
func (w *Writer) Written() uint64 { return w.written.Load() }

// Failed returns how many records were given up after retries.
func (w *Writer) Failed() uint64 { return w.failed.Load() }

func (w *Writer) enqueue(rec any) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("record after close ignored")
		return
	}
	w.queue <- rec
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		w.write(rec)
	}
}

func (w *Writer) write(rec any) {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(w.backoff.Next(attempt-1, nil))
		}
		if err = w.save(rec); err == nil {
			w.written.Add(1)
			return
		}
	}
	w.failed.Add(1)
	w.logger.Error("persist failed", slog.String("record", recordKind(rec)), slog.Any("error", err))
}

func (w *Writer) save(rec any) error {
	ctx := context.Background()
	switch r := rec.(type) {
	case *TradeRecord:
		return w.st.SaveTrade(ctx, r)
	case *OrderRecord:
		return w.st.SaveOrder(ctx, r)
	case *PositionRecord:
		return w.st.SavePosition(ctx, r)
	case domain.RiskEvent:
		er, err := riskEventRecord(r)
		if err != nil {
			return err
		}
		return w.st.SaveRiskEvent(ctx, er)
	}
	return nil
}

func recordKind(rec any) string {
	switch rec.(type) {
	case *TradeRecord:
		return "trade"
	case *OrderRecord:
		return "order"
	case *PositionRecord:
		return "position"
	case domain.RiskEvent:
		return "risk_event"
	}
	return "unknown"
}

// Close stops accepting records, waits for the queue to drain and closes
// the database.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	w.logger.Info("storage flushed", slog.Uint64("written", w.written.Load()), slog.Uint64("failed", w.failed.Load()))
	return w.st.Close()
}
