package market

import (
	"errors"
	"sort"
	"sync"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"

	"github.com/shopspring/decimal"
)

// Config controls what each symbol keeps.
type Config struct {
	TopN            int             `yaml:"top_n"`
	CandleHistory   int             `yaml:"candle_history"`
	SnapshotCandles int             `yaml:"snapshot_candles"`
	VWAPWindow      time.Duration   `yaml:"vwap_window"`
	TradeIntervals  []time.Duration `yaml:"trade_intervals"` // candles built from trades
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TopN:            20,
		CandleHistory:   500,
		SnapshotCandles: 50,
		VWAPWindow:      5 * time.Minute,
		TradeIntervals:  []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
	}
}

// Snapshot is an immutable point-in-time copy of one symbol's state.
type Snapshot struct {
	Symbol        string
	Ready         bool
	Seq           int64
	Bids          []domain.Level
	Asks          []domain.Level
	LastPrice     decimal.Decimal
	LastTradeTime time.Time
	Trades        uint64 // trades seen; changes when a new print arrives
	VWAP          decimal.Decimal
	HasVWAP       bool
	Candles       map[time.Duration][]domain.Candle // closed, oldest first
	OpenCandles   map[time.Duration]domain.Candle
	UpdatedAt     time.Time
}

// Mid returns the touch midpoint.
func (s Snapshot) Mid() (decimal.Decimal, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.Bids[0].Price.Add(s.Asks[0].Price).Div(decimal.NewFromInt(2)), true
}

// Mark returns the mid, falling back to the last trade price.
func (s Snapshot) Mark() (decimal.Decimal, bool) {
	if m, ok := s.Mid(); ok {
		return m, true
	}
	if s.LastPrice.IsPositive() {
		return s.LastPrice, true
	}
	return decimal.Zero, false
}

// ApplyResult tells the caller what an event did to the symbol.
type ApplyResult struct {
	Symbol      string
	Ready       bool
	BecameReady bool
	Gap         bool
	Lost        bool
	Closed      []domain.Candle
}

type symbolState struct {
	mu        sync.RWMutex
	book      *Book
	candles   map[time.Duration]*CandleSeries
	vwap      *VWAP
	lastPrice decimal.Decimal
	lastTrade time.Time
	trades    uint64
	updated   time.Time
}

// Store holds market state for every symbol. Each symbol has its own lock:
// writes for one symbol never block reads of another.
type Store struct {
	cfg     Config
	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.CandleHistory <= 0 {
		cfg.CandleHistory = def.CandleHistory
	}
	if cfg.SnapshotCandles <= 0 {
		cfg.SnapshotCandles = def.SnapshotCandles
	}
	if cfg.VWAPWindow <= 0 {
		cfg.VWAPWindow = def.VWAPWindow
	}
	return &Store{cfg: cfg, symbols: make(map[string]*symbolState)}
}

func (s *Store) state(symbol string) *symbolState {
	s.mu.RLock()
	st, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		book:    NewBook(symbol),
		candles: make(map[time.Duration]*CandleSeries),
		vwap:    NewVWAP(s.cfg.VWAPWindow),
	}
	for _, iv := range s.cfg.TradeIntervals {
		st.candles[iv] = NewCandleSeries(symbol, iv, s.cfg.CandleHistory)
	}
	s.symbols[symbol] = st
	return st
}

// Apply mutates the symbol the event belongs to.
func (s *Store) Apply(ev event.Event) ApplyResult {
	st := s.state(ev.GetSymbol())
	st.mu.Lock()
	defer st.mu.Unlock()

	res := ApplyResult{Symbol: ev.GetSymbol()}
	wasReady := st.book.Ready()
	if t := ev.GetTime(); t.After(st.updated) {
		st.updated = t
	}

	switch e := ev.(type) {
	case *event.BookSnapshot:
		st.book.ApplySnapshot(e.Bids, e.Asks, e.Seq)
	case *event.BookDiff:
		if err := st.book.ApplyDiff(e.First, e.Final, e.Bids, e.Asks); errors.Is(err, domain.ErrSequenceGap) {
			res.Gap = true
		}
	case *event.GapDetected:
		st.book.Invalidate()
		res.Gap = true
	case *event.ConnectionLost:
		st.book.Invalidate()
		res.Lost = true
	case *event.Trade:
		st.lastPrice = e.Price
		st.lastTrade = e.Time
		st.trades++
		st.vwap.Add(e.Price, e.Qty, e.Time)
		for _, iv := range s.cfg.TradeIntervals {
			if c := st.candles[iv].AddTrade(e.Price, e.Qty, e.Time); c != nil {
				res.Closed = append(res.Closed, *c)
			}
		}
	case *event.CandleUpdate:
		iv := e.Candle.Interval
		series, ok := st.candles[iv]
		if !ok {
			series = NewCandleSeries(e.Symbol, iv, s.cfg.CandleHistory)
			st.candles[iv] = series
		}
		if c := series.ApplyUpdate(e.Candle); c != nil {
			res.Closed = append(res.Closed, *c)
			// Without a trade feed the closed candles drive the VWAP.
			if st.trades == 0 {
				typical := c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
				st.vwap.Add(typical, c.Volume, c.CloseTime)
			}
		}
		if st.trades == 0 {
			st.lastPrice = e.Candle.Close
			st.lastTrade = e.Time
		}
	}

	st.vwap.Expire(st.updated)
	res.Ready = st.book.Ready()
	res.BecameReady = res.Ready && !wasReady
	return res
}

// Snapshot returns a consistent copy of the symbol's state.
func (s *Store) Snapshot(symbol string) (Snapshot, bool) {
	s.mu.RLock()
	st, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{Symbol: symbol}, false
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	bids, asks := st.book.Top(s.cfg.TopN)
	snap := Snapshot{
		Symbol:        symbol,
		Ready:         st.book.Ready(),
		Seq:           st.book.Seq(),
		Bids:          bids,
		Asks:          asks,
		LastPrice:     st.lastPrice,
		LastTradeTime: st.lastTrade,
		Trades:        st.trades,
		Candles:       make(map[time.Duration][]domain.Candle, len(st.candles)),
		OpenCandles:   make(map[time.Duration]domain.Candle, len(st.candles)),
		UpdatedAt:     st.updated,
	}
	snap.VWAP, snap.HasVWAP = st.vwap.Current()
	for iv, series := range st.candles {
		snap.Candles[iv] = series.Closed(s.cfg.SnapshotCandles)
		if c, ok := series.Open(); ok {
			snap.OpenCandles[iv] = c
		}
	}
	return snap, true
}

// Mark returns the mark price used for unrealized P&L.
func (s *Store) Mark(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	st, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if m, ok := st.book.Mid(); ok {
		return m, true
	}
	if st.lastPrice.IsPositive() {
		return st.lastPrice, true
	}
	return decimal.Zero, false
}

// Marks returns the mark of every known symbol.
func (s *Store) Marks() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, sym := range s.Symbols() {
		if m, ok := s.Mark(sym); ok {
			out[sym] = m
		}
	}
	return out
}

// Symbols returns known symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
