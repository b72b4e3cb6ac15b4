package accounting

import (
	"testing"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(side domain.Side, qty, price string) domain.Fill {
	return domain.Fill{Symbol: "BTCUSDT", Side: side, Qty: d(qty), Price: d(price), Tag: "scalper", Time: t0}
}

func newLedger() *Ledger {
	return NewLedger(d("10000"), "USDT", clock.Session{Location: time.UTC})
}

func TestApplyFill_RoundTripRealizes(t *testing.T) {
	l := newLedger()

	res := l.ApplyFill(fill(domain.SideBuy, "1", "100"))
	assert.False(t, res.Closing)
	assert.True(t, res.RealizedDelta.IsZero())

	res = l.ApplyFill(fill(domain.SideSell, "1", "110"))
	assert.True(t, res.Closing)
	assert.Equal(t, "10", res.RealizedDelta.String())

	pos := l.Position("BTCUSDT")
	assert.True(t, pos.IsFlat())
	assert.True(t, pos.EntryPrice.IsZero())
	assert.Equal(t, "10", pos.Realized.String())
	assert.Equal(t, "10010", l.Equity(nil).String())
}

func TestApplyFill_VWAPEntry(t *testing.T) {
	l := newLedger()
	l.ApplyFill(fill(domain.SideBuy, "1", "100"))
	l.ApplyFill(fill(domain.SideBuy, "3", "120"))

	pos := l.Position("BTCUSDT")
	assert.Equal(t, "4", pos.Size.String())
	assert.Equal(t, "115", pos.EntryPrice.String())

	// partial reduce keeps the entry
	res := l.ApplyFill(fill(domain.SideSell, "1", "125"))
	assert.Equal(t, "10", res.RealizedDelta.String())
	assert.Equal(t, "115", l.Position("BTCUSDT").EntryPrice.String())
}

func TestApplyFill_FlipRebasesEntry(t *testing.T) {
	l := newLedger()
	l.ApplyFill(fill(domain.SideBuy, "1", "100"))

	res := l.ApplyFill(fill(domain.SideSell, "3", "90"))
	assert.True(t, res.Closing)
	assert.Equal(t, "-10", res.RealizedDelta.String())

	pos := l.Position("BTCUSDT")
	assert.Equal(t, "-2", pos.Size.String())
	assert.Equal(t, "90", pos.EntryPrice.String())

	// short gains when price falls
	assert.Equal(t, "20", l.Unrealized(map[string]decimal.Decimal{"BTCUSDT": d("80")}).String())
}

func TestApplyFill_ShortRoundTrip(t *testing.T) {
	l := newLedger()
	l.ApplyFill(fill(domain.SideSell, "2", "50"))
	res := l.ApplyFill(fill(domain.SideBuy, "2", "45"))
	assert.Equal(t, "10", res.RealizedDelta.String())
	assert.True(t, l.Position("BTCUSDT").IsFlat())
}

func TestEquity_FeesAndMarks(t *testing.T) {
	l := newLedger()
	f := fill(domain.SideBuy, "1", "100")
	f.Fee, f.FeeAsset = d("0.1"), "USDT"
	l.ApplyFill(f)

	bnb := fill(domain.SideBuy, "1", "100")
	bnb.Fee, bnb.FeeAsset = d("0.001"), "BNB"
	l.ApplyFill(bnb)

	marks := map[string]decimal.Decimal{"BTCUSDT": d("105")}
	assert.Equal(t, "10009.9", l.Equity(marks).String())
	assert.Equal(t, "0.001", l.Fees()["BNB"].String())
}

func TestDailyPnL_UsesSessionDay(t *testing.T) {
	session, err := clock.NewSession("UTC", "12:00")
	require.NoError(t, err)
	l := NewLedger(d("1000"), "USDT", session)

	// 10:00 belongs to the previous session day
	l.ApplyFill(fill(domain.SideBuy, "1", "100"))
	l.ApplyFill(fill(domain.SideSell, "1", "104"))

	later := fill(domain.SideBuy, "1", "100")
	later.Time = t0.Add(3 * time.Hour)
	l.ApplyFill(later)
	exit := fill(domain.SideSell, "1", "101")
	exit.Time = t0.Add(3 * time.Hour)
	l.ApplyFill(exit)

	assert.Equal(t, "4", l.DailyPnL(t0, nil).String())
	assert.Equal(t, "1", l.DailyPnL(t0.Add(3*time.Hour), nil).String())
	assert.Equal(t, "5", l.Realized().String())
}

func TestStats(t *testing.T) {
	l := newLedger()
	l.ApplyFill(fill(domain.SideBuy, "1", "100"))
	l.ApplyFill(fill(domain.SideSell, "1", "110"))
	l.ApplyFill(fill(domain.SideBuy, "1", "100"))
	l.ApplyFill(fill(domain.SideSell, "1", "95"))

	st := l.Stats()["scalper"]
	assert.Equal(t, 4, st.Fills)
	assert.Equal(t, 2, st.ClosingTrades)
	assert.Equal(t, 1, st.Wins)
	assert.Equal(t, 0.5, st.WinRate())
	assert.Equal(t, "10", st.GrossProfit.String())
	assert.Equal(t, "5", st.GrossLoss.String())
	assert.Equal(t, 4, l.FillCount())
}

func TestAccountView(t *testing.T) {
	l := newLedger()
	l.ApplyFill(fill(domain.SideBuy, "1", "100"))
	acct := Account{Ledger: l, Marks: func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{"BTCUSDT": d("90")}
	}}
	assert.Equal(t, "9990", acct.Equity().String())
	assert.Equal(t, "1", acct.Position("BTCUSDT").Size.String())
	assert.Len(t, l.Positions(), 1)
	assert.False(t, acct.HasOpenOrders("BTCUSDT", "scalper"), "no order source")

	acct.Orders = func() []domain.Order {
		return []domain.Order{{ClientID: "a", Symbol: "BTCUSDT", Tag: "scalper", Status: domain.OrderStatusSubmitted}}
	}
	assert.True(t, acct.HasOpenOrders("BTCUSDT", "scalper"))
	assert.False(t, acct.HasOpenOrders("BTCUSDT", "market_maker"))
	assert.False(t, acct.HasOpenOrders("ETHUSDT", "scalper"))
}
