package storage

import (
	"context"
	"path/filepath"
	"testing"

	"market_maker/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_CloseFlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.db")
	st, err := Open("sqlite", path)
	require.NoError(t, err)

	// queue of one so producers block on the drain goroutine
	w := NewWriter(st, 1)
	for i := 0; i < 20; i++ {
		f := fill("BTCUSDT-"+string(rune('a'+i)), "1")
		w.RecordTrade(f)
		w.RecordTrade(f)
	}
	w.RecordOrder(domain.Order{ClientID: "c-1", Symbol: "BTCUSDT", Status: domain.OrderStatusFilled})
	w.RecordPosition(domain.Position{Symbol: "BTCUSDT", Size: d("20")})
	w.RecordRiskEvent(domain.RiskEvent{ID: "ev-1", Type: domain.RiskTradingHalted, Severity: domain.SeverityCritical})

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.EqualValues(t, 43, w.Written())
	assert.Zero(t, w.Failed())

	// records after close are ignored, not panics
	w.RecordTrade(fill("late", "1"))

	st, err = Open("sqlite", path)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	trades, err := st.Trades(ctx, "")
	require.NoError(t, err)
	assert.Len(t, trades, 20)

	o, err := st.Order(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, o)

	evs, err := st.RiskEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}
