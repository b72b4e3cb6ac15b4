package execution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/market"

	"github.com/shopspring/decimal"
)

// SimConfig parameterizes the simulated venue.
type SimConfig struct {
	Latency       time.Duration `yaml:"latency"`
	LatencyJitter time.Duration `yaml:"latency_jitter"`
	// SlippageBps is charged at full visible-liquidity consumption and scales
	// linearly with qty / visible liquidity.
	SlippageBps      float64         `yaml:"slippage_bps"`
	SlippageNoiseBps float64         `yaml:"slippage_noise_bps"`
	MaxSlippageBps   float64         `yaml:"max_slippage_bps"`
	TakerFee         decimal.Decimal `yaml:"taker_fee"`
	MakerFee         decimal.Decimal `yaml:"maker_fee"`
	QuoteAsset       string          `yaml:"quote_asset"`
}

// DefaultSimConfig returns Binance-like spot fees and a small latency.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Latency:          50 * time.Millisecond,
		LatencyJitter:    20 * time.Millisecond,
		SlippageBps:      5,
		SlippageNoiseBps: 1,
		MaxSlippageBps:   50,
		TakerFee:         decimal.RequireFromString("0.001"),
		MakerFee:         decimal.RequireFromString("0.001"),
		QuoteAsset:       "USDT",
	}
}

type simOrder struct {
	req        domain.SubmitRequest
	venueID    string
	status     domain.OrderStatus
	filled     decimal.Decimal
	cost       decimal.Decimal
	eligibleAt time.Time
	reason     string
}

func (o *simOrder) report(now time.Time, fills []domain.Fill) domain.VenueReport {
	rep := domain.VenueReport{
		ClientID:  o.req.ClientID,
		VenueID:   o.venueID,
		Symbol:    o.req.Symbol,
		Status:    o.status,
		FilledQty: o.filled,
		Fills:     fills,
		Reason:    o.reason,
		Time:      now,
	}
	if o.filled.IsPositive() {
		rep.AvgPrice = o.cost.Div(o.filled)
	}
	return rep
}

type simFault struct {
	err      error
	accepted bool
}

// SimVenue is the paper and backtest command connector. Orders become
// eligible after a simulated latency and are filled by Match against the
// current book. All randomness comes from the seeded source.
type SimVenue struct {
	mu     sync.Mutex
	cfg    SimConfig
	clock  clock.Clock
	rng    *rand.Rand
	orders map[string]*simOrder
	queue  []string // open client ids in arrival order
	nextID int64
	fault  *simFault

	// cancelFault fails the next Cancel before it reaches the book.
	cancelFault error
}

// NewSimVenue creates a simulated venue seeded with seed.
func NewSimVenue(cfg SimConfig, clk clock.Clock, seed int64) *SimVenue {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &SimVenue{
		cfg:    cfg,
		clock:  clk,
		rng:    rand.New(rand.NewSource(seed)),
		orders: make(map[string]*simOrder),
	}
}

// FailNextSubmit makes the next Submit return err. With accepted set the
// order is still registered, which models a timeout after the venue acted.
func (v *SimVenue) FailNextSubmit(err error, accepted bool) {
	v.mu.Lock()
	v.fault = &simFault{err: err, accepted: accepted}
	v.mu.Unlock()
}

// FailNextCancel makes the next Cancel return err and leave the order live.
func (v *SimVenue) FailNextCancel(err error) {
	v.mu.Lock()
	v.cancelFault = err
	v.mu.Unlock()
}

// Submit registers an order. A repeated client id returns the existing
// order's state.
func (v *SimVenue) Submit(ctx context.Context, req domain.SubmitRequest) (domain.VenueReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.VenueReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.clock.Now()

	if o, ok := v.orders[req.ClientID]; ok {
		return o.report(now, nil), nil
	}

	fault := v.fault
	v.fault = nil
	if fault != nil && !fault.accepted {
		return domain.VenueReport{}, fault.err
	}

	if !req.Qty.IsPositive() {
		return domain.VenueReport{}, &domain.RejectError{Code: -1013, Reason: "invalid quantity"}
	}
	if req.Type == domain.OrderTypeLimit && !req.Price.IsPositive() {
		return domain.VenueReport{}, &domain.RejectError{Code: -1013, Reason: "invalid price"}
	}

	v.nextID++
	o := &simOrder{
		req:        req,
		venueID:    fmt.Sprintf("sim-%d", v.nextID),
		status:     domain.OrderStatusSubmitted,
		eligibleAt: now.Add(v.latency()),
	}
	v.orders[req.ClientID] = o
	v.queue = append(v.queue, req.ClientID)

	if fault != nil {
		return domain.VenueReport{}, fault.err
	}
	return o.report(now, nil), nil
}

func (v *SimVenue) latency() time.Duration {
	d := v.cfg.Latency
	if v.cfg.LatencyJitter > 0 {
		d += time.Duration(v.rng.Int63n(int64(v.cfg.LatencyJitter) + 1))
	}
	return d
}

// Cancel cancels an open order. Orders that already ended report their
// final state.
func (v *SimVenue) Cancel(ctx context.Context, req domain.CancelRequest) (domain.VenueReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.VenueReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.cancelFault; err != nil {
		v.cancelFault = nil
		return domain.VenueReport{}, err
	}
	o, ok := v.orders[req.ClientID]
	if !ok {
		return domain.VenueReport{}, domain.ErrOrderNotFound
	}
	if !o.status.IsTerminal() {
		o.status = domain.OrderStatusCanceled
		v.dropLocked(req.ClientID)
	}
	return o.report(v.clock.Now(), nil), nil
}

// Query returns the order's state.
func (v *SimVenue) Query(ctx context.Context, req domain.QueryRequest) (domain.VenueReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.VenueReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[req.ClientID]
	if !ok {
		return domain.VenueReport{}, domain.ErrOrderNotFound
	}
	return o.report(v.clock.Now(), nil), nil
}

// OpenOrders counts live orders on symbol.
func (v *SimVenue) OpenOrders(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, id := range v.queue {
		if v.orders[id].req.Symbol == symbol {
			n++
		}
	}
	return n
}

func (v *SimVenue) dropLocked(clientID string) {
	for i, id := range v.queue {
		if id == clientID {
			v.queue = append(v.queue[:i], v.queue[i+1:]...)
			return
		}
	}
}

// Match fills eligible orders on snap.Symbol against the book and returns a
// report for every order that traded. Market orders take the touch plus
// slippage and expire any part the book could not absorb. Limit orders fill
// at their price once the opposite touch crosses it.
func (v *SimVenue) Match(now time.Time, snap market.Snapshot) []domain.VenueReport {
	if !snap.Ready {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	// Liquidity consumed within this call, per side.
	usedAsk, usedBid := decimal.Zero, decimal.Zero

	var reports []domain.VenueReport
	var done []string
	for _, id := range v.queue {
		o := v.orders[id]
		if o.req.Symbol != snap.Symbol || now.Before(o.eligibleAt) {
			continue
		}
		levels, used := snap.Asks, &usedAsk
		if o.req.Side == domain.SideSell {
			levels, used = snap.Bids, &usedBid
		}
		if len(levels) == 0 {
			continue
		}

		var (
			qty, price decimal.Decimal
			maker      bool
		)
		remaining := o.req.Qty.Sub(o.filled)

		switch o.req.Type {
		case domain.OrderTypeMarket:
			visible := market.SumQty(levels, 0).Sub(*used)
			if !visible.IsPositive() {
				continue
			}
			qty = decimal.Min(remaining, visible)
			price = v.slipped(levels[0].Price, o.req.Side, qty, visible)
		default:
			visible := crossedQty(levels, o.req.Side, o.req.Price).Sub(*used)
			if !visible.IsPositive() {
				continue
			}
			qty = decimal.Min(remaining, visible)
			price = o.req.Price
			maker = true
		}
		*used = used.Add(qty)

		o.filled = o.filled.Add(qty)
		o.cost = o.cost.Add(qty.Mul(price))
		switch {
		case o.filled.GreaterThanOrEqual(o.req.Qty):
			o.status = domain.OrderStatusFilled
		case o.req.Type == domain.OrderTypeMarket:
			o.status = domain.OrderStatusExpired
		default:
			o.status = domain.OrderStatusPartiallyFilled
		}
		if o.status.IsTerminal() {
			done = append(done, id)
		}

		rate := v.cfg.TakerFee
		if maker {
			rate = v.cfg.MakerFee
		}
		fill := domain.Fill{
			TradeID:  SyntheticTradeID(id, o.filled),
			ClientID: id,
			Symbol:   o.req.Symbol,
			Side:     o.req.Side,
			Qty:      qty,
			Price:    price,
			Fee:      qty.Mul(price).Mul(rate),
			FeeAsset: v.cfg.QuoteAsset,
			Maker:    maker,
			Time:     now,
		}
		reports = append(reports, o.report(now, []domain.Fill{fill}))
	}
	for _, id := range done {
		v.dropLocked(id)
	}
	return reports
}

// crossedQty is the opposite-side size at prices that satisfy limit.
func crossedQty(levels []domain.Level, side domain.Side, limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		if side == domain.SideBuy && l.Price.GreaterThan(limit) {
			break
		}
		if side == domain.SideSell && l.Price.LessThan(limit) {
			break
		}
		total = total.Add(l.Qty)
	}
	return total
}

// slipped moves touch against the taker by
// SlippageBps * qty/visible + noise, capped at MaxSlippageBps.
func (v *SimVenue) slipped(touch decimal.Decimal, side domain.Side, qty, visible decimal.Decimal) decimal.Decimal {
	bps := v.cfg.SlippageBps * qty.Div(visible).InexactFloat64()
	if v.cfg.SlippageNoiseBps > 0 {
		bps += v.rng.NormFloat64() * v.cfg.SlippageNoiseBps
	}
	bps = math.Max(0, bps)
	if v.cfg.MaxSlippageBps > 0 {
		bps = math.Min(bps, v.cfg.MaxSlippageBps)
	}
	adj := decimal.NewFromFloat(bps / 10000)
	if side == domain.SideBuy {
		return touch.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return touch.Mul(decimal.NewFromInt(1).Sub(adj))
}
