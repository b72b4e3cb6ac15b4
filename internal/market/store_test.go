package market

import (
	"testing"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotEvent(symbol string, seq int64, at time.Time) *event.BookSnapshot {
	return &event.BookSnapshot{
		Base: event.Base{Symbol: symbol, Time: at},
		Bids: []domain.Level{lv("100", "3"), lv("99", "2")},
		Asks: []domain.Level{lv("101", "1"), lv("102", "4")},
		Seq:  seq,
	}
}

func diffEvent(symbol string, first, final int64, at time.Time) *event.BookDiff {
	return &event.BookDiff{
		Base:  event.Base{Symbol: symbol, Time: at},
		First: first,
		Final: final,
		Bids:  []domain.Level{lv("100", "5")},
	}
}

func TestStore_GapMarksNotReadyUntilSnapshot(t *testing.T) {
	s := NewStore(DefaultConfig())

	res := s.Apply(snapshotEvent("BTCUSDT", 10, base))
	assert.True(t, res.BecameReady)

	res = s.Apply(diffEvent("BTCUSDT", 11, 11, base.Add(time.Second)))
	assert.True(t, res.Ready)
	assert.False(t, res.Gap)

	res = s.Apply(&event.GapDetected{Base: event.Base{Symbol: "BTCUSDT", Time: base.Add(2 * time.Second)}})
	assert.True(t, res.Gap)
	assert.False(t, res.Ready)

	snap, ok := s.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.False(t, snap.Ready)
	assert.Empty(t, snap.Bids)

	// Diffs are ignored until the next snapshot.
	res = s.Apply(diffEvent("BTCUSDT", 12, 12, base.Add(3*time.Second)))
	assert.False(t, res.Ready)

	res = s.Apply(snapshotEvent("BTCUSDT", 50, base.Add(4*time.Second)))
	assert.True(t, res.BecameReady)
	snap, _ = s.Snapshot("BTCUSDT")
	assert.True(t, snap.Ready)
	assert.Equal(t, int64(50), snap.Seq)
}

func TestStore_DiffGapDetectedLocally(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Apply(snapshotEvent("ETHUSDT", 10, base))
	s.Apply(diffEvent("ETHUSDT", 11, 12, base))

	res := s.Apply(diffEvent("ETHUSDT", 20, 21, base))
	assert.True(t, res.Gap)
	assert.False(t, res.Ready)
}

func TestStore_SymbolsAreIndependent(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Apply(snapshotEvent("BTCUSDT", 1, base))
	s.Apply(snapshotEvent("ETHUSDT", 1, base))
	s.Apply(&event.GapDetected{Base: event.Base{Symbol: "BTCUSDT", Time: base}})

	eth, _ := s.Snapshot("ETHUSDT")
	btc, _ := s.Snapshot("BTCUSDT")
	assert.True(t, eth.Ready)
	assert.False(t, btc.Ready)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Symbols())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Apply(snapshotEvent("BTCUSDT", 1, base))

	snap, _ := s.Snapshot("BTCUSDT")
	s.Apply(diffEvent("BTCUSDT", 2, 2, base))

	assert.Equal(t, "3", snap.Bids[0].Qty.String(), "earlier snapshot must not see later updates")
	later, _ := s.Snapshot("BTCUSDT")
	assert.Equal(t, "5", later.Bids[0].Qty.String())
}

func TestStore_TradesFeedPriceVWAPAndCandles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradeIntervals = []time.Duration{time.Minute}
	s := NewStore(cfg)

	s.Apply(&event.Trade{Base: event.Base{Symbol: "BTCUSDT", Time: base}, Price: d("100"), Qty: d("1")})
	s.Apply(&event.Trade{Base: event.Base{Symbol: "BTCUSDT", Time: base.Add(10 * time.Second)}, Price: d("110"), Qty: d("3")})
	res := s.Apply(&event.Trade{Base: event.Base{Symbol: "BTCUSDT", Time: base.Add(time.Minute)}, Price: d("120"), Qty: d("1")})
	require.Len(t, res.Closed, 1)

	snap, _ := s.Snapshot("BTCUSDT")
	assert.Equal(t, uint64(3), snap.Trades)
	assert.Equal(t, "120", snap.LastPrice.String())
	require.True(t, snap.HasVWAP)
	// (100*1 + 110*3 + 120*1) / 5
	assert.Equal(t, "110", snap.VWAP.String())
	assert.Len(t, snap.Candles[time.Minute], 1)

	mark, ok := s.Mark("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "120", mark.String(), "no book, mark falls back to last price")
}

func TestStore_CandleUpdates(t *testing.T) {
	s := NewStore(DefaultConfig())
	c := kline(base, "100", "101", "99", "100", "2", true)
	c.Symbol = "BTCUSDT"
	res := s.Apply(&event.CandleUpdate{Base: event.Base{Symbol: "BTCUSDT", Time: base.Add(time.Minute)}, Candle: c})
	require.Len(t, res.Closed, 1)

	snap, _ := s.Snapshot("BTCUSDT")
	assert.Equal(t, "100", snap.LastPrice.String())
	assert.True(t, snap.HasVWAP)
}
