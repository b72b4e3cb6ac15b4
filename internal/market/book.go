package market

import (
	"fmt"
	"sort"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// Book is a local L2 order book rebuilt from a snapshot plus sequenced diffs.
//
// Invariants while ready: bids strictly descending, asks strictly
// ascending, no zero-quantity levels, best bid < best ask.
type Book struct {
	symbol string
	bids   []domain.Level
	asks   []domain.Level
	seq    int64
	ready  bool
	// fresh is true until the first diff after a snapshot is applied; that
	// diff only has to straddle seq+1.
	fresh bool
}

// NewBook returns an empty, not-ready book.
func NewBook(symbol string) *Book {
	return &Book{symbol: symbol}
}

func (b *Book) Symbol() string { return b.symbol }
func (b *Book) Seq() int64     { return b.seq }
func (b *Book) Ready() bool    { return b.ready }

// ApplySnapshot replaces the book and marks it ready.
func (b *Book) ApplySnapshot(bids, asks []domain.Level, seq int64) {
	b.bids = normalize(bids, true)
	b.asks = normalize(asks, false)
	b.uncrossFromBids()
	b.seq = seq
	b.ready = true
	b.fresh = true
}

// ApplyDiff applies the changes covering update ids first..final.
// Stale diffs (final <= seq) are ignored. A non-contiguous diff invalidates
// the book and returns ErrSequenceGap.
func (b *Book) ApplyDiff(first, final int64, bids, asks []domain.Level) error {
	if !b.ready {
		return domain.ErrBookNotReady
	}
	if final <= b.seq {
		return nil
	}

	next := b.seq + 1
	contiguous := first == next
	if b.fresh {
		contiguous = first <= next && next <= final
	}
	if !contiguous {
		expected := b.seq + 1
		b.Invalidate()
		return fmt.Errorf("%s: expected %d, got %d: %w", b.symbol, expected, first, domain.ErrSequenceGap)
	}

	for _, l := range bids {
		b.setBid(l.Price, l.Qty)
	}
	for _, l := range asks {
		b.setAsk(l.Price, l.Qty)
	}
	b.seq = final
	b.fresh = false
	return nil
}

// Invalidate clears the book. It stays not-ready until the next snapshot.
func (b *Book) Invalidate() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	b.ready = false
	b.fresh = false
}

func (b *Book) setBid(price, qty decimal.Decimal) {
	i := sort.Search(len(b.bids), func(i int) bool { return b.bids[i].Price.LessThanOrEqual(price) })
	b.bids = setLevel(b.bids, i, price, qty)
	if qty.IsPositive() {
		// asks at or below a live bid are stale
		n := 0
		for n < len(b.asks) && b.asks[n].Price.LessThanOrEqual(price) {
			n++
		}
		if n > 0 {
			b.asks = append(b.asks[:0], b.asks[n:]...)
		}
	}
}

func (b *Book) setAsk(price, qty decimal.Decimal) {
	i := sort.Search(len(b.asks), func(i int) bool { return b.asks[i].Price.GreaterThanOrEqual(price) })
	b.asks = setLevel(b.asks, i, price, qty)
	if qty.IsPositive() {
		n := 0
		for n < len(b.bids) && b.bids[n].Price.GreaterThanOrEqual(price) {
			n++
		}
		if n > 0 {
			b.bids = append(b.bids[:0], b.bids[n:]...)
		}
	}
}

// setLevel updates, inserts or removes the level at insertion index i.
func setLevel(side []domain.Level, i int, price, qty decimal.Decimal) []domain.Level {
	found := i < len(side) && side[i].Price.Equal(price)
	switch {
	case !qty.IsPositive() && found:
		return append(side[:i], side[i+1:]...)
	case !qty.IsPositive():
		return side
	case found:
		side[i].Qty = qty
		return side
	}
	side = append(side, domain.Level{})
	copy(side[i+1:], side[i:])
	side[i] = domain.Level{Price: price, Qty: qty}
	return side
}

func (b *Book) uncrossFromBids() {
	if len(b.bids) == 0 {
		return
	}
	best := b.bids[0].Price
	n := 0
	for n < len(b.asks) && b.asks[n].Price.LessThanOrEqual(best) {
		n++
	}
	b.asks = b.asks[n:]
}

func normalize(levels []domain.Level, desc bool) []domain.Level {
	out := make([]domain.Level, 0, len(levels))
	for _, l := range levels {
		if l.Qty.IsPositive() {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	// keep the last quantity given for a duplicated price
	dedup := out[:0]
	for _, l := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Price.Equal(l.Price) {
			dedup[n-1] = l
			continue
		}
		dedup = append(dedup, l)
	}
	return dedup
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (domain.Level, bool) {
	if len(b.bids) == 0 {
		return domain.Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (domain.Level, bool) {
	if len(b.asks) == 0 {
		return domain.Level{}, false
	}
	return b.asks[0], true
}

// Mid returns the midpoint of the touch.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Top returns copies of the best n levels per side.
func (b *Book) Top(n int) (bids, asks []domain.Level) {
	return topN(b.bids, n), topN(b.asks, n)
}

func topN(side []domain.Level, n int) []domain.Level {
	if n <= 0 || n > len(side) {
		n = len(side)
	}
	out := make([]domain.Level, n)
	copy(out, side[:n])
	return out
}

// Depth sums quantity over the best n levels of one side.
func (b *Book) Depth(side domain.Side, n int) decimal.Decimal {
	levels := b.bids
	if side == domain.SideSell {
		levels = b.asks
	}
	return SumQty(levels, n)
}

// SumQty sums quantity over the first n levels (all when n <= 0).
func SumQty(levels []domain.Level, n int) decimal.Decimal {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	total := decimal.Zero
	for _, l := range levels[:n] {
		total = total.Add(l.Qty)
	}
	return total
}
