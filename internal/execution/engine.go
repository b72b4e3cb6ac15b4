package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// Config controls command timeouts and ambiguity handling.
type Config struct {
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	MaxResubmits      int           `yaml:"max_resubmits"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout"`

	// MaxRetries bounds resends of a submit the venue refused without
	// acting on it, e.g. when throttled. RetryDelay doubles per resend.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns the stock execution settings.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    5 * time.Second,
		MaxResubmits:      2,
		ReconcileInterval: 10 * time.Second,
		CancelTimeout:     3 * time.Second,
		MaxRetries:        3,
		RetryDelay:        250 * time.Millisecond,
	}
}

// Hooks receive execution output. Every hook runs outside the engine lock,
// in the order the underlying changes happened.
type Hooks struct {
	// OnFill gets every unique fill, including fills that raced a cancel.
	OnFill func(domain.Fill)
	// OnOrder gets a copy of the order after each state change.
	OnOrder func(domain.Order)
	// OnReject gets orders the venue rejected.
	OnReject func(domain.Order, error)
	// OnInconsistency gets illegal transitions, which are otherwise ignored.
	OnInconsistency func(domain.Order, error)
}

// Engine owns the order book of the session: it turns intents into venue
// commands, applies venue reports and fills, and reconciles unknown state.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	venue  domain.Venue
	ids    IDGenerator
	clock  clock.Clock
	hooks  Hooks
	logger *slog.Logger

	orders map[string]*domain.Order
	trades map[string]struct{}
}

// NewEngine creates an execution engine in front of venue.
func NewEngine(cfg Config, venue domain.Venue, ids IDGenerator, clk clock.Clock, hooks Hooks) *Engine {
	def := DefaultConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.MaxResubmits < 0 {
		cfg.MaxResubmits = 0
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Engine{
		cfg:    cfg,
		venue:  venue,
		ids:    ids,
		clock:  clk,
		hooks:  hooks,
		logger: slog.Default().With(slog.String("module", "execution")),
		orders: make(map[string]*domain.Order),
		trades: make(map[string]struct{}),
	}
}

// batch collects hook calls made while holding the lock.
type batch struct {
	fills   []domain.Fill
	orders  []domain.Order
	rejects []rejected
	errs    []rejected
}

type rejected struct {
	order domain.Order
	err   error
}

func (e *Engine) flush(b *batch) {
	for _, r := range b.errs {
		e.logger.Warn("inconsistent order transition",
			slog.String("client_id", r.order.ClientID), slog.Any("error", r.err))
		if e.hooks.OnInconsistency != nil {
			e.hooks.OnInconsistency(r.order, r.err)
		}
	}
	for _, f := range b.fills {
		if e.hooks.OnFill != nil {
			e.hooks.OnFill(f)
		}
	}
	for _, o := range b.orders {
		if e.hooks.OnOrder != nil {
			e.hooks.OnOrder(o)
		}
	}
	for _, r := range b.rejects {
		if e.hooks.OnReject != nil {
			e.hooks.OnReject(r.order, r.err)
		}
	}
}

// Submit creates an order for intent and sends it to the venue.
func (e *Engine) Submit(ctx context.Context, intent domain.TradeIntent) (domain.Order, error) {
	return e.SubmitWithID(ctx, e.ids.Next(), intent)
}

// SubmitWithID submits with a caller-chosen client id. A client id that is
// already known returns the existing order and sends nothing.
func (e *Engine) SubmitWithID(ctx context.Context, clientID string, intent domain.TradeIntent) (domain.Order, error) {
	now := e.clock.Now()

	e.mu.Lock()
	if existing, ok := e.orders[clientID]; ok {
		o := *existing
		e.mu.Unlock()
		return o, nil
	}
	o := &domain.Order{
		ClientID:  clientID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Type:      intent.Type,
		Price:     intent.Price,
		Qty:       intent.Qty,
		Status:    domain.OrderStatusNew,
		Tag:       intent.Tag,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.orders[clientID] = o
	e.mu.Unlock()

	req := domain.SubmitRequest{
		ClientID: clientID,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Type:     intent.Type,
		Qty:      intent.Qty,
	}
	if intent.Type == domain.OrderTypeLimit {
		req.Price = intent.Price
	}

	attempt, retries := 0, 0
	for {
		rep, err := e.callSubmit(ctx, req)
		switch {
		case err == nil:
			return e.ApplyReport(rep), nil

		case domain.IsRejected(err):
			return e.reject(clientID, err), err

		case domain.IsAmbiguous(err):
			e.logger.Warn("ambiguous submit, querying",
				slog.String("client_id", clientID), slog.Int("attempt", attempt), slog.Any("error", err))
			q, qerr := e.callQuery(ctx, domain.QueryRequest{ClientID: clientID, Symbol: intent.Symbol})
			if qerr == nil {
				return e.ApplyReport(q), nil
			}
			if errors.Is(qerr, domain.ErrOrderNotFound) && attempt < e.cfg.MaxResubmits {
				attempt++
				continue
			}
			// Outcome unknown: keep it live and let reconcile resolve it.
			return e.markUnknown(clientID, qerr), nil

		case domain.IsRetriable(err) && retries < e.cfg.MaxRetries:
			// Same client id: a resend can never open a second order.
			delay := e.cfg.RetryDelay << retries
			retries++
			e.logger.Warn("submit refused, retrying",
				slog.String("client_id", clientID), slog.Int("retry", retries),
				slog.Duration("delay", delay), slog.Any("error", err))
			if serr := e.clock.Sleep(ctx, delay); serr != nil {
				return e.drop(clientID, err), err
			}

		default:
			// The venue never acted on the command.
			return e.drop(clientID, err), err
		}
	}
}

func (e *Engine) callSubmit(ctx context.Context, req domain.SubmitRequest) (domain.VenueReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()
	return e.venue.Submit(ctx, req)
}

func (e *Engine) callQuery(ctx context.Context, req domain.QueryRequest) (domain.VenueReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()
	return e.venue.Query(ctx, req)
}

func (e *Engine) reject(clientID string, cause error) domain.Order {
	var b batch
	e.mu.Lock()
	o := e.orders[clientID]
	if err := transition(o, domain.OrderStatusRejected); err != nil {
		b.errs = append(b.errs, rejected{*o, err})
	} else {
		o.Reason = cause.Error()
		o.UpdatedAt = e.clock.Now()
		b.orders = append(b.orders, *o)
		b.rejects = append(b.rejects, rejected{*o, cause})
	}
	out := *o
	e.mu.Unlock()

	e.logger.Warn("order rejected",
		slog.String("client_id", clientID), slog.String("symbol", out.Symbol), slog.Any("error", cause))
	e.flush(&b)
	return out
}

// drop expires an order the venue never acted on. It is not a venue
// rejection, so OnReject does not fire.
func (e *Engine) drop(clientID string, cause error) domain.Order {
	var b batch
	e.mu.Lock()
	o := e.orders[clientID]
	if err := transition(o, domain.OrderStatusExpired); err != nil {
		b.errs = append(b.errs, rejected{*o, err})
	} else {
		o.Reason = cause.Error()
		o.UpdatedAt = e.clock.Now()
		b.orders = append(b.orders, *o)
	}
	out := *o
	e.mu.Unlock()

	e.logger.Warn("order dropped before reaching the venue",
		slog.String("client_id", clientID), slog.String("symbol", out.Symbol), slog.Any("error", cause))
	e.flush(&b)
	return out
}

func (e *Engine) markUnknown(clientID string, cause error) domain.Order {
	var b batch
	e.mu.Lock()
	o := e.orders[clientID]
	if o.Status == domain.OrderStatusNew {
		_ = transition(o, domain.OrderStatusSubmitted)
	}
	o.Unknown = true
	o.UpdatedAt = e.clock.Now()
	b.orders = append(b.orders, *o)
	out := *o
	e.mu.Unlock()

	e.logger.Error("order state unknown, deferring to reconcile",
		slog.String("client_id", clientID), slog.Any("error", cause))
	e.flush(&b)
	return out
}

// ApplyReport merges a venue report into the order it names: explicit
// fills first, then fills synthesized from any executed-qty delta, then the
// reported status. Reports for unknown client ids are ignored.
func (e *Engine) ApplyReport(rep domain.VenueReport) domain.Order {
	var b batch
	e.mu.Lock()
	o, ok := e.orders[rep.ClientID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("report for unknown order", slog.String("client_id", rep.ClientID))
		return domain.Order{}
	}
	e.applyReportLocked(o, rep, &b)
	out := *o
	e.mu.Unlock()

	e.flush(&b)
	return out
}

func (e *Engine) applyReportLocked(o *domain.Order, rep domain.VenueReport, b *batch) {
	now := rep.Time
	if now.IsZero() {
		now = e.clock.Now()
	}
	if rep.VenueID != "" {
		o.VenueID = rep.VenueID
	}
	o.Unknown = false
	if o.Status == domain.OrderStatusNew && rep.Status != domain.OrderStatusRejected {
		_ = transition(o, domain.OrderStatusSubmitted)
	}

	for _, f := range rep.Fills {
		e.fillLocked(o, f, b)
	}

	if rep.FilledQty.GreaterThan(o.Filled) {
		delta := rep.FilledQty.Sub(o.Filled)
		price := rep.AvgPrice
		if o.Filled.IsPositive() && rep.AvgPrice.IsPositive() {
			// price of the missing part so the order VWAP matches the venue
			price = rep.AvgPrice.Mul(rep.FilledQty).Sub(o.AvgPrice.Mul(o.Filled)).Div(delta)
		}
		if !price.IsPositive() {
			price = o.Price
		}
		e.fillLocked(o, domain.Fill{
			TradeID:  SyntheticTradeID(o.ClientID, rep.FilledQty),
			ClientID: o.ClientID,
			Qty:      delta,
			Price:    price,
			Time:     now,
		}, b)
	}

	if rep.Status != "" && rep.Status != o.Status {
		switch rep.Status {
		case domain.OrderStatusNew, domain.OrderStatusSubmitted,
			domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled:
			// fills drive these
		default:
			if err := transition(o, rep.Status); err != nil {
				b.errs = append(b.errs, rejected{*o, err})
			} else if rep.Status == domain.OrderStatusRejected {
				o.Reason = rep.Reason
				b.rejects = append(b.rejects, rejected{*o, &domain.RejectError{Reason: rep.Reason}})
			}
		}
	}
	o.UpdatedAt = now
	b.orders = append(b.orders, *o)
}

// SyntheticTradeID names a fill derived from the cumulative executed qty.
func SyntheticTradeID(clientID string, cumQty decimal.Decimal) string {
	return clientID + "#" + cumQty.String()
}

// OnFill applies a fill pushed by the venue. Duplicate trade ids are
// dropped. A fill on a terminal order still reaches OnFill.
func (e *Engine) OnFill(f domain.Fill) {
	var b batch
	e.mu.Lock()
	o, ok := e.orders[f.ClientID]
	if !ok {
		if _, dup := e.trades[f.TradeID]; !dup {
			e.trades[f.TradeID] = struct{}{}
			b.fills = append(b.fills, f)
		}
		e.mu.Unlock()
		e.logger.Warn("fill for unknown order", slog.String("client_id", f.ClientID), slog.String("trade_id", f.TradeID))
		e.flush(&b)
		return
	}
	e.fillLocked(o, f, &b)
	if len(b.fills) > 0 {
		o.UpdatedAt = f.Time
		b.orders = append(b.orders, *o)
	}
	e.mu.Unlock()
	e.flush(&b)
}

func (e *Engine) fillLocked(o *domain.Order, f domain.Fill, b *batch) {
	if f.TradeID == "" || !f.Qty.IsPositive() {
		return
	}
	if _, dup := e.trades[f.TradeID]; dup {
		return
	}
	e.trades[f.TradeID] = struct{}{}

	if f.ClientID == "" {
		f.ClientID = o.ClientID
	}
	if f.Symbol == "" {
		f.Symbol = o.Symbol
	}
	if f.Side == "" {
		f.Side = o.Side
	}
	if f.Tag == "" {
		f.Tag = o.Tag
	}
	if f.Time.IsZero() {
		f.Time = e.clock.Now()
	}
	b.fills = append(b.fills, f)

	if o.Status.IsTerminal() {
		b.errs = append(b.errs, rejected{*o, fmt.Errorf("%w: fill %s on %s order %s",
			domain.ErrInconsistentTransition, f.TradeID, o.Status, o.ClientID)})
		return
	}

	filled := o.Filled.Add(f.Qty)
	o.AvgPrice = o.AvgPrice.Mul(o.Filled).Add(f.Price.Mul(f.Qty)).Div(filled)
	o.Filled = filled

	next := domain.OrderStatusPartiallyFilled
	if o.Filled.GreaterThanOrEqual(o.Qty) {
		next = domain.OrderStatusFilled
	}
	if o.Status == domain.OrderStatusNew {
		_ = transition(o, domain.OrderStatusSubmitted)
	}
	if err := transition(o, next); err != nil {
		b.errs = append(b.errs, rejected{*o, err})
	}
}

// Cancel requests cancellation of one order. It is best effort and is
// allowed while trading is halted.
func (e *Engine) Cancel(ctx context.Context, clientID string) error {
	return e.cancel(ctx, clientID, false)
}

func (e *Engine) cancel(ctx context.Context, clientID string, noWait bool) error {
	e.mu.Lock()
	o, ok := e.orders[clientID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", clientID, domain.ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	req := domain.CancelRequest{ClientID: o.ClientID, VenueID: o.VenueID, Symbol: o.Symbol, NoWait: noWait}
	e.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()
	rep, err := e.venue.Cancel(cctx, req)
	if err == nil {
		e.ApplyReport(rep)
		return nil
	}
	if errors.Is(err, domain.ErrOrderNotFound) {
		// Already done at the venue; learn how it ended.
		if q, qerr := e.callQuery(ctx, domain.QueryRequest{ClientID: req.ClientID, VenueID: req.VenueID, Symbol: req.Symbol}); qerr == nil {
			e.ApplyReport(q)
			return nil
		}
	}
	return fmt.Errorf("cancel %s: %w", clientID, err)
}

// CancelTag cancels every open order for symbol placed under tag.
func (e *Engine) CancelTag(ctx context.Context, symbol, tag string) error {
	var errs []error
	for _, o := range e.OpenOrders() {
		if o.Symbol == symbol && o.Tag == tag {
			if err := e.Cancel(ctx, o.ClientID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CancelAll cancels every open order. With noWait set the venue call does
// not wait for rate-limit tokens, which is what shutdown wants.
func (e *Engine) CancelAll(ctx context.Context, noWait bool) error {
	var errs []error
	for _, o := range e.OpenOrders() {
		if err := e.cancel(ctx, o.ClientID, noWait); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconcile queries every open or unknown order and applies what the venue
// reports. Orders the venue has never seen are marked rejected.
func (e *Engine) Reconcile(ctx context.Context) error {
	var errs []error
	for _, o := range e.pending() {
		rep, err := e.callQuery(ctx, domain.QueryRequest{ClientID: o.ClientID, VenueID: o.VenueID, Symbol: o.Symbol})
		switch {
		case err == nil:
			e.ApplyReport(rep)
		case errors.Is(err, domain.ErrOrderNotFound):
			e.reject(o.ClientID, fmt.Errorf("reconcile: %w", err))
		default:
			errs = append(errs, fmt.Errorf("reconcile %s: %w", o.ClientID, err))
		}
	}
	return errors.Join(errs...)
}

// RunReconciler reconciles every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.ReconcileInterval
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Warn("reconcile failed", slog.Any("error", err))
			}
		}
	}
}

func (e *Engine) pending() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() || o.Unknown {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// Order returns a copy of the order with clientID.
func (e *Engine) Order(clientID string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of all non-terminal orders, oldest first.
func (e *Engine) OpenOrders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ClientID < orders[j].ClientID
	})
}
