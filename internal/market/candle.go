package market

import (
	"time"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// CandleSeries keeps one open candle and a bounded history of closed ones
// for a single symbol and interval.
type CandleSeries struct {
	symbol   string
	interval time.Duration
	max      int

	open    *domain.Candle
	history []domain.Candle
}

// NewCandleSeries keeps at most maxHistory closed candles.
func NewCandleSeries(symbol string, interval time.Duration, maxHistory int) *CandleSeries {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	return &CandleSeries{symbol: symbol, interval: interval, max: maxHistory}
}

func (s *CandleSeries) Interval() time.Duration { return s.interval }

// ApplyUpdate merges an exchange candle. Exchange candles are cumulative,
// so an update for the open window replaces its values. An update for a
// later window closes the open candle first. Updates for windows older than
// the open one are ignored. It returns the candle closed by this update, if any.
func (s *CandleSeries) ApplyUpdate(c domain.Candle) (closed *domain.Candle) {
	if s.open != nil && c.OpenTime.Before(s.open.OpenTime) {
		return nil
	}
	if n := len(s.history); s.open == nil && n > 0 && !c.OpenTime.After(s.history[n-1].OpenTime) {
		return nil
	}

	if s.open != nil && c.OpenTime.After(s.open.OpenTime) {
		closed = s.closeOpen()
	}

	cp := c
	cp.Symbol = s.symbol
	cp.Interval = s.interval
	if cp.CloseTime.IsZero() {
		cp.CloseTime = cp.OpenTime.Add(s.interval)
	}
	if cp.Closed {
		cp.Closed = false
		s.open = &cp
		return s.closeOpen()
	}
	s.open = &cp
	return closed
}

// AddTrade folds a trade into the series. A trade past the open candle's
// window closes it and opens the next one.
func (s *CandleSeries) AddTrade(price, qty decimal.Decimal, ts time.Time) (closed *domain.Candle) {
	start := ts.Truncate(s.interval)
	if s.open != nil {
		if start.Before(s.open.OpenTime) {
			return nil
		}
		if start.After(s.open.OpenTime) {
			closed = s.closeOpen()
		}
	}
	if s.open == nil {
		s.open = &domain.Candle{
			Symbol:    s.symbol,
			Interval:  s.interval,
			OpenTime:  start,
			CloseTime: start.Add(s.interval),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    qty,
		}
		return closed
	}
	o := s.open
	if price.GreaterThan(o.High) {
		o.High = price
	}
	if price.LessThan(o.Low) {
		o.Low = price
	}
	o.Close = price
	o.Volume = o.Volume.Add(qty)
	return closed
}

// CloseDue closes the open candle if now is at or past its close time.
func (s *CandleSeries) CloseDue(now time.Time) *domain.Candle {
	if s.open == nil || now.Before(s.open.CloseTime) {
		return nil
	}
	return s.closeOpen()
}

func (s *CandleSeries) closeOpen() *domain.Candle {
	c := *s.open
	c.Closed = true
	s.open = nil
	s.history = append(s.history, c)
	if len(s.history) > s.max {
		s.history = s.history[len(s.history)-s.max:]
	}
	return &c
}

// Open returns the open candle.
func (s *CandleSeries) Open() (domain.Candle, bool) {
	if s.open == nil {
		return domain.Candle{}, false
	}
	return *s.open, true
}

// Closed returns a copy of the last n closed candles, oldest first.
func (s *CandleSeries) Closed(n int) []domain.Candle {
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]domain.Candle, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Len returns the number of closed candles kept.
func (s *CandleSeries) Len() int { return len(s.history) }
