package strategy_test

import (
	"testing"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/market"
	"market_maker/internal/strategy"

	"github.com/shopspring/decimal"
)

// BenchmarkScalper_OnTick measures one evaluation against a warm trend filter.
func BenchmarkScalper_OnTick(b *testing.B) {
	s := strategy.NewScalper(strategy.ScalperConfig{Symbols: []string{"BTCUSDT"}})
	s.SeedEMAs("BTCUSDT", 50100, 50000)

	snap := market.Snapshot{Symbol: "BTCUSDT", Ready: true}
	for i := 0; i < 20; i++ {
		snap.Bids = append(snap.Bids, domain.Level{Price: decimal.NewFromInt(int64(50000 - i)), Qty: decimal.NewFromInt(2)})
		snap.Asks = append(snap.Asks, domain.Level{Price: decimal.NewFromInt(int64(50001 + i)), Qty: decimal.NewFromInt(1)})
	}
	acct := newAccount(100000)
	acct.positions["BTCUSDT"] = decimal.RequireFromString("0.1")
	acct.entries["BTCUSDT"] = decimal.NewFromInt(50000)
	tick := strategy.Tick{Symbol: "BTCUSDT", Market: fakeMarket{"BTCUSDT": snap}, Account: acct}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		s.OnTick(tick)
	}
}

// BenchmarkMarketMaker_Quote measures quoting with a full volatility window.
func BenchmarkMarketMaker_Quote(b *testing.B) {
	mm := strategy.NewMarketMaker(strategy.MarketMakerConfig{Symbols: []string{"BTCUSDT"}})
	acct := newAccount(100000)
	mkt := fakeMarket{}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		px := decimal.NewFromInt(int64(50000 + i%50))
		mkt["BTCUSDT"] = market.Snapshot{
			Symbol: "BTCUSDT",
			Ready:  true,
			Bids:   []domain.Level{{Price: px, Qty: decimal.NewFromInt(1)}},
			Asks:   []domain.Level{{Price: px.Add(decimal.NewFromInt(1)), Qty: decimal.NewFromInt(1)}},
		}
		mm.OnTick(strategy.Tick{Symbol: "BTCUSDT", Now: now.Add(time.Duration(i) * time.Minute), Market: mkt, Account: acct})
	}
}
