package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *Storage {
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(id string, qty string) domain.Fill {
	return domain.Fill{
		TradeID:  id,
		ClientID: "c-1",
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Qty:      d(qty),
		Price:    d("65000.12"),
		Fee:      d("0.001"),
		FeeAsset: "USDT",
		Maker:    true,
		Tag:      "scalper",
		Time:     t0,
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)

	_, err = Open("sqlite", "")
	assert.Error(t, err)
}

func TestSaveTrade_IsIdempotent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTrade(ctx, tradeRecord(fill("BTCUSDT-1", "0.5"))))
	require.NoError(t, s.SaveTrade(ctx, tradeRecord(fill("BTCUSDT-1", "0.5"))))
	require.NoError(t, s.SaveTrade(ctx, tradeRecord(fill("BTCUSDT-2", "0.25"))))

	trades, err := s.Trades(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, trades, 2)

	got := trades[0].Fill()
	assert.Equal(t, "BTCUSDT-1", got.TradeID)
	assert.True(t, d("0.5").Equal(got.Qty))
	assert.True(t, d("65000.12").Equal(got.Price))
	assert.Equal(t, domain.SideBuy, got.Side)
	assert.True(t, got.Maker)

	none, err := s.Trades(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveOrder_UpsertKeepsLatestState(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	o := domain.Order{
		ClientID:  "c-7",
		Symbol:    "ETHUSDT",
		Side:      domain.SideSell,
		Type:      domain.OrderTypeLimit,
		Price:     d("3500"),
		Qty:       d("2"),
		Status:    domain.OrderStatusSubmitted,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, s.SaveOrder(ctx, orderRecord(o)))

	o.Status = domain.OrderStatusFilled
	o.Filled = d("2")
	o.AvgPrice = d("3500")
	o.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, s.SaveOrder(ctx, orderRecord(o)))

	got, err := s.Order(ctx, "c-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(domain.OrderStatusFilled), got.Status)
	assert.True(t, d("2").Equal(got.Filled))
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))

	missing, err := s.Order(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSavePosition_OneRowPerSymbol(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, positionRecord(domain.Position{Symbol: "BTCUSDT", Size: d("1"), EntryPrice: d("100"), UpdatedAt: t0})))
	require.NoError(t, s.SavePosition(ctx, positionRecord(domain.Position{Symbol: "BTCUSDT", Size: d("-0.5"), EntryPrice: d("110"), Realized: d("10"), UpdatedAt: t0})))

	ps, err := s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, d("-0.5").Equal(ps[0].Size))
	assert.True(t, d("10").Equal(ps[0].Realized))
}

func TestSaveRiskEvent_NewestFirst(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for i, typ := range []domain.RiskEventType{domain.RiskOrderRejected, domain.RiskTradingHalted} {
		rec, err := riskEventRecord(domain.RiskEvent{
			ID:       string(typ),
			Type:     typ,
			Severity: domain.SeverityWarning,
			Message:  "m",
			Metadata: map[string]string{"k": "v"},
			Time:     t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.NoError(t, s.SaveRiskEvent(ctx, rec))
	}

	evs, err := s.RiskEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, string(domain.RiskTradingHalted), evs[0].Type)
	assert.JSONEq(t, `{"k":"v"}`, evs[0].Metadata)
}
