package event

import (
	"sync"
	"time"
)

// Depth diffs arrive every 100ms per symbol, so BookDiff is pooled.
//
// Usage:
//
//	ev := AcquireBookDiff()
//	ev.Symbol = "BTCUSDT"
//	// ... deliver, apply ...
//	Release(ev) // only after the consumer is done with it
var bookDiffPool = sync.Pool{
	New: func() interface{} {
		return &BookDiff{}
	},
}

// AcquireBookDiff gets a BookDiff from the pool.
// The returned event has zero values and empty level slices.
func AcquireBookDiff() *BookDiff {
	return bookDiffPool.Get().(*BookDiff)
}

// ReleaseBookDiff returns a BookDiff to the pool. Level slices keep their
// capacity for the next use.
func ReleaseBookDiff(ev *BookDiff) {
	if ev == nil {
		return
	}
	ev.Symbol = ""
	ev.Time = time.Time{}
	ev.First = 0
	ev.Final = 0
	ev.Bids = ev.Bids[:0]
	ev.Asks = ev.Asks[:0]

	bookDiffPool.Put(ev)
}

// Release returns pooled event types to their pool and ignores the rest.
func Release(ev Event) {
	if d, ok := ev.(*BookDiff); ok {
		ReleaseBookDiff(d)
	}
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 256

	evs := make([]*BookDiff, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireBookDiff())
	}
	for _, ev := range evs {
		ReleaseBookDiff(ev)
	}
}
