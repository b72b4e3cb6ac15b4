package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc struct {
	mu     sync.Mutex
	seen   map[string][]int64
	halted map[string]error
	onEv   func(ev event.Event)
}

func newHandler(onEv func(ev event.Event)) *handlerFunc {
	return &handlerFunc{seen: map[string][]int64{}, halted: map[string]error{}, onEv: onEv}
}

func (h *handlerFunc) HandleEvent(_ context.Context, ev event.Event) {
	if h.onEv != nil {
		h.onEv(ev)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := ev.(*event.BookSnapshot); ok {
		h.seen[s.Symbol] = append(h.seen[s.Symbol], s.Seq)
	}
}

func (h *handlerFunc) HaltSymbol(_ context.Context, symbol string, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted[symbol] = cause
}

func (h *handlerFunc) seqs(symbol string) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.seen[symbol]...)
}

func snap(symbol string, seq int64) *event.BookSnapshot {
	return &event.BookSnapshot{Base: event.Base{Symbol: symbol, Time: t0}, Seq: seq}
}

func TestSequencer_DrainsInOrderOnClose(t *testing.T) {
	h := newHandler(nil)
	seq := NewSequencer("BTCUSDT", 16, h)

	for i := int64(1); i <= 10; i++ {
		seq.Inbox() <- snap("BTCUSDT", i)
	}
	seq.Close()
	seq.Run(context.Background())

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, h.seqs("BTCUSDT"))
	select {
	case <-seq.Done():
	default:
		t.Fatal("Done should be closed after Run returned")
	}
}

func TestSequencer_PanicHaltsSymbolAndContinues(t *testing.T) {
	h := newHandler(func(ev event.Event) {
		if s, ok := ev.(*event.BookSnapshot); ok && s.Seq == 2 {
			panic("boom")
		}
	})
	seq := NewSequencer("BTCUSDT", 8, h)
	var panicked string
	seq.onPanic = func(symbol string, _ any) { panicked = symbol }

	seq.Inbox() <- snap("BTCUSDT", 1)
	seq.Inbox() <- snap("BTCUSDT", 2)
	seq.Inbox() <- snap("BTCUSDT", 3)
	seq.Close()
	seq.Run(context.Background())

	assert.Equal(t, []int64{1, 3}, h.seqs("BTCUSDT"))
	require.Contains(t, h.halted, "BTCUSDT")
	assert.Contains(t, h.halted["BTCUSDT"].Error(), "boom")
	assert.Equal(t, "BTCUSDT", panicked)
}

type countingTap struct {
	mu sync.Mutex
	n  int
}

func (c *countingTap) Record(event.Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestRouter_PerSymbolOrderAndUnknownSymbols(t *testing.T) {
	h := newHandler(nil)
	r := NewRouter([]string{"ETHUSDT", "BTCUSDT"}, 4, h)
	tap := &countingTap{}
	r.SetTap(tap)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, r.Symbols())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	in := make(chan event.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, in)
	}()

	for i := int64(1); i <= 50; i++ {
		in <- snap("BTCUSDT", i)
		in <- snap("ETHUSDT", 100+i)
	}
	in <- snap("XRPUSDT", 1)
	close(in)
	<-done
	r.Close()

	btc := h.seqs("BTCUSDT")
	eth := h.seqs("ETHUSDT")
	require.Len(t, btc, 50)
	require.Len(t, eth, 50)
	for i := range btc {
		assert.Equal(t, int64(i+1), btc[i])
		assert.Equal(t, int64(101+i), eth[i])
	}
	assert.Equal(t, int64(1), r.Dropped())
	assert.Equal(t, 100, tap.n)
}

func TestRouter_DispatchGivesUpOnCancel(t *testing.T) {
	block := make(chan struct{})
	h := newHandler(func(event.Event) { <-block })
	r := NewRouter([]string{"BTCUSDT"}, 1, h)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(context.Background())

	require.True(t, r.Dispatch(ctx, snap("BTCUSDT", 1))) // picked up, handler blocks
	require.Eventually(t, func() bool { return len(r.seqs["BTCUSDT"].inbox) == 0 }, time.Second, time.Millisecond)
	require.True(t, r.Dispatch(ctx, snap("BTCUSDT", 2))) // fills the inbox

	res := make(chan bool, 1)
	go func() { res <- r.Dispatch(ctx, snap("BTCUSDT", 3)) }()
	cancel()
	assert.False(t, <-res)

	close(block)
	r.Close()
	assert.Equal(t, []int64{1, 2}, h.seqs("BTCUSDT"))
}

func TestPipeline_HaltSymbolIsIdempotent(t *testing.T) {
	f := newFixture(t, 5, &scripted{name: "s", symbols: []string{"BTCUSDT"}})
	ctx := context.Background()

	f.p.HaltSymbol(ctx, "BTCUSDT", errors.New("first"))
	f.p.HaltSymbol(ctx, "BTCUSDT", errors.New("second"))

	events := f.rec.eventsOf(domain.RiskPipelineFatal)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "first")
}
