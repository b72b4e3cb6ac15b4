package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataset_RecordAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.parquet")
	w, err := NewDatasetWriter(path)
	require.NoError(t, err)

	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }
	diff := event.AcquireBookDiff()
	diff.Symbol, diff.Time, diff.First, diff.Final = "BTCUSDT", at(2), 11, 12
	diff.Bids = append(diff.Bids, domain.Level{Price: decimal.RequireFromString("99.99"), Qty: decimal.Zero})

	recorded := []event.Event{
		&event.BookSnapshot{
			Base: event.Base{Symbol: "BTCUSDT", Time: at(1)},
			Seq:  10,
			Bids: []domain.Level{{Price: decimal.RequireFromString("99.99"), Qty: decimal.RequireFromString("1.23456789")}},
			Asks: []domain.Level{{Price: decimal.RequireFromString("100.01"), Qty: decimal.RequireFromString("0.5")}},
		},
		diff,
		&event.Trade{Base: event.Base{Symbol: "BTCUSDT", Time: at(3)}, Price: decimal.RequireFromString("100.005"), Qty: decimal.RequireFromString("0.001"), BuyerMaker: true},
		&event.CandleUpdate{Base: event.Base{Symbol: "ETHUSDT", Time: at(4)}, Candle: domain.Candle{
			Symbol: "ETHUSDT", Interval: time.Minute, OpenTime: at(-56), CloseTime: at(4),
			Open: decimal.NewFromInt(3000), High: decimal.NewFromInt(3010), Low: decimal.NewFromInt(2990),
			Close: decimal.NewFromInt(3005), Volume: decimal.RequireFromString("12.5"), Closed: true,
		}},
		&event.GapDetected{Base: event.Base{Symbol: "BTCUSDT", Time: at(5)}, Expected: 13, Got: 20},
		&event.ConnectionLost{Base: event.Base{Symbol: "BTCUSDT", Time: at(6)}, Reason: "read timeout"},
	}
	for _, ev := range recorded {
		w.Record(ev)
	}
	event.Release(diff)
	require.Equal(t, len(recorded), w.Rows())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	events, err := ReadDataset(path)
	require.NoError(t, err)
	require.Len(t, events, len(recorded))

	snap, ok := events[0].(*event.BookSnapshot)
	require.True(t, ok)
	assert.Equal(t, int64(10), snap.Seq)
	assert.True(t, snap.Time.Equal(at(1)))
	assert.Equal(t, "1.23456789", snap.Bids[0].Qty.String(), "decimals keep full precision")

	d, ok := events[1].(*event.BookDiff)
	require.True(t, ok)
	assert.Equal(t, int64(11), d.First)
	assert.Equal(t, int64(12), d.Final)
	require.Len(t, d.Bids, 1)
	assert.True(t, d.Bids[0].Qty.IsZero())
	assert.Empty(t, d.Asks)

	tr, ok := events[2].(*event.Trade)
	require.True(t, ok)
	assert.Equal(t, "100.005", tr.Price.String())
	assert.True(t, tr.BuyerMaker)

	cu, ok := events[3].(*event.CandleUpdate)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", cu.Symbol)
	assert.Equal(t, time.Minute, cu.Candle.Interval)
	assert.Equal(t, "12.5", cu.Candle.Volume.String())
	assert.True(t, cu.Candle.Closed)

	gap, ok := events[4].(*event.GapDetected)
	require.True(t, ok)
	assert.Equal(t, int64(20), gap.Got)

	lost, ok := events[5].(*event.ConnectionLost)
	require.True(t, ok)
	assert.Equal(t, "read timeout", lost.Reason)
}

func TestDataset_ReplayOrdersByTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.parquet")
	w, err := NewDatasetWriter(path)
	require.NoError(t, err)

	walk := randomWalk(50, 9)
	// write out of order
	shuffled := append([]event.Event{walk[49]}, walk[:49]...)
	require.NoError(t, w.WriteEvents(shuffled))
	require.NoError(t, w.Close())

	events, err := ReadDataset(path)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].GetTime().Before(events[i-1].GetTime()))
	}

	// a replay of the recording matches a replay of the source
	eng := NewEngine(testConfig(t))
	a, err := eng.Run(context.Background(), walk)
	require.NoError(t, err)
	b, err := eng.Run(context.Background(), events)
	require.NoError(t, err)
	assert.True(t, a.PnL.Equal(b.PnL))
	assert.Equal(t, len(a.Trades), len(b.Trades))
}

func TestReadDataset_Missing(t *testing.T) {
	_, err := ReadDataset(filepath.Join(t.TempDir(), "nope.parquet"))
	assert.Error(t, err)
}
