package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"
	"market_maker/internal/infra"
	"market_maker/internal/ratelimit"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// CommandClient is the Binance spot REST connector. Every call is gated by
// the rate limiter and bounded by the command timeout.
type CommandClient struct {
	client     *binance.Client
	limiter    *ratelimit.Limiter
	throttle   *retryAfterTransport
	timeout    time.Duration
	depthLimit int
	logger     *slog.Logger
}

// NewCommandClient creates a REST connector. The limiter is shared with the
// stream connector's snapshot requests.
func NewCommandClient(cfg infra.BinanceConfig, limiter *ratelimit.Limiter) *CommandClient {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = defaultRestURL
	if cfg.RestURL != "" {
		client.BaseURL = strings.TrimRight(cfg.RestURL, "/")
	}
	// go-binance drops response headers; the transport keeps Retry-After.
	throttle := &retryAfterTransport{base: http.DefaultTransport}
	client.HTTPClient = &http.Client{Transport: throttle}

	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	depth := cfg.DepthLimit
	if depth <= 0 {
		depth = defaultDepthLimit
	}
	return &CommandClient{
		client:     client,
		limiter:    limiter,
		throttle:   throttle,
		timeout:    timeout,
		depthLimit: depth,
		logger:     slog.Default().With("module", "binance_command"),
	}
}

// Submit places an order. NewClientOrderID carries the idempotency token.
// A transport failure yields an AmbiguousError: the order may exist.
func (c *CommandClient) Submit(ctx context.Context, req domain.SubmitRequest) (domain.VenueReport, error) {
	if err := c.limiter.AcquireOrder(ctx, weightOrder); err != nil {
		return domain.VenueReport{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		Type(orderType(req.Type)).
		Quantity(req.Qty.String()).
		NewClientOrderID(req.ClientID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.Type == domain.OrderTypeLimit {
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).Price(req.Price.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return domain.VenueReport{}, c.classify("submit", req.ClientID, err, true)
	}

	rep := domain.VenueReport{
		ClientID: res.ClientOrderID,
		VenueID:  strconv.FormatInt(res.OrderID, 10),
		Symbol:   res.Symbol,
		Status:   orderStatus(string(res.Status)),
		Time:     time.UnixMilli(res.TransactTime),
	}
	rep.FilledQty, rep.AvgPrice = average(res.ExecutedQuantity, res.CummulativeQuoteQuantity)
	for _, f := range res.Fills {
		qty, _ := decimal.NewFromString(f.Quantity)
		price, _ := decimal.NewFromString(f.Price)
		fee, _ := decimal.NewFromString(f.Commission)
		rep.Fills = append(rep.Fills, domain.Fill{
			TradeID:  res.Symbol + "-" + strconv.FormatInt(int64(f.TradeID), 10),
			ClientID: res.ClientOrderID,
			Symbol:   res.Symbol,
			Side:     req.Side,
			Qty:      qty,
			Price:    price,
			Fee:      fee,
			FeeAsset: f.CommissionAsset,
			Time:     rep.Time,
		})
	}
	return rep, nil
}

// Cancel cancels by client id, or by venue id when one is known.
func (c *CommandClient) Cancel(ctx context.Context, req domain.CancelRequest) (domain.VenueReport, error) {
	if req.NoWait {
		if !c.limiter.TryAcquire(weightCancel) {
			return domain.VenueReport{}, fmt.Errorf("cancel %s: %w", req.ClientID, domain.ErrRateLimited)
		}
	} else if err := c.limiter.Acquire(ctx, weightCancel); err != nil {
		return domain.VenueReport{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc := c.client.NewCancelOrderService().Symbol(req.Symbol)
	if id, ok := venueOrderID(req.VenueID); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return domain.VenueReport{}, c.classify("cancel", req.ClientID, err, false)
	}

	rep := domain.VenueReport{
		ClientID: req.ClientID,
		VenueID:  strconv.FormatInt(res.OrderID, 10),
		Symbol:   res.Symbol,
		Status:   orderStatus(string(res.Status)),
		Time:     time.UnixMilli(res.TransactTime),
	}
	rep.FilledQty, rep.AvgPrice = average(res.ExecutedQuantity, res.CummulativeQuoteQuantity)
	return rep, nil
}

// Query fetches the order's current state.
func (c *CommandClient) Query(ctx context.Context, req domain.QueryRequest) (domain.VenueReport, error) {
	if err := c.limiter.Acquire(ctx, weightQuery); err != nil {
		return domain.VenueReport{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc := c.client.NewGetOrderService().Symbol(req.Symbol)
	if id, ok := venueOrderID(req.VenueID); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return domain.VenueReport{}, c.classify("query", req.ClientID, err, false)
	}

	rep := domain.VenueReport{
		ClientID: res.ClientOrderID,
		VenueID:  strconv.FormatInt(res.OrderID, 10),
		Symbol:   res.Symbol,
		Status:   orderStatus(string(res.Status)),
		Time:     time.UnixMilli(res.UpdateTime),
	}
	rep.FilledQty, rep.AvgPrice = average(res.ExecutedQuantity, res.CummulativeQuoteQuantity)
	return rep, nil
}

// DepthSnapshot implements SnapshotFetcher with the configured depth limit.
func (c *CommandClient) DepthSnapshot(ctx context.Context, symbol string) (*event.BookSnapshot, error) {
	if err := c.limiter.Acquire(ctx, depthWeight(c.depthLimit)); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.client.NewDepthService().Symbol(symbol).Limit(c.depthLimit).Do(ctx)
	if err != nil {
		return nil, c.classify("depth", symbol, err, false)
	}

	snap := &event.BookSnapshot{
		Base: event.Base{Symbol: symbol, Time: time.Now()},
		Seq:  res.LastUpdateID,
		Bids: make([]domain.Level, 0, len(res.Bids)),
		Asks: make([]domain.Level, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		l, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return nil, err
		}
		snap.Bids = append(snap.Bids, l)
	}
	for _, a := range res.Asks {
		l, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return nil, err
		}
		snap.Asks = append(snap.Asks, l)
	}
	return snap, nil
}

// classify maps a go-binance error to the domain error taxonomy.
func (c *CommandClient) classify(op, id string, err error, ambiguous bool) error {
	var apiErr *common.APIError
	// Code 0 is an unparsed body, typically a 5xx whose outcome is unknown.
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		switch apiErr.Code {
		case codeTooManyRequests, codeTooManyOrders:
			// Zero falls back to the limiter's exponential cooldown.
			retryAfter := c.throttle.take()
			c.limiter.Cooldown(retryAfter)
			c.logger.Warn("venue throttled us", slog.String("op", op), slog.Int64("code", apiErr.Code),
				slog.Duration("retry_after", retryAfter))
			return fmt.Errorf("%s %s: %s: %w", op, id, apiErr.Message, domain.ErrRateLimited)
		case codeNoSuchOrder, codeCancelRejected:
			return fmt.Errorf("%s %s: %s: %w", op, id, apiErr.Message, domain.ErrOrderNotFound)
		case codeOrderRejected:
			// The client id is already live at the venue, usually from a
			// resend after a timeout. Its state must be queried.
			if ambiguous && strings.Contains(apiErr.Message, msgDuplicateOrder) {
				return &domain.AmbiguousError{Op: op, ClientID: id, Err: fmt.Errorf("%s: %w", apiErr.Message, domain.ErrDuplicateClientID)}
			}
			return &domain.RejectError{Code: apiErr.Code, Reason: apiErr.Message}
		default:
			return &domain.RejectError{Code: apiErr.Code, Reason: apiErr.Message}
		}
	}
	if ambiguous {
		return &domain.AmbiguousError{Op: op, ClientID: id, Err: err}
	}
	return domain.NewNetworkError(op, err)
}

// retryAfterTransport remembers the Retry-After of the last 429 or 418
// response until classify takes it.
type retryAfterTransport struct {
	base       http.RoundTripper
	retryAfter atomic.Int64
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		if d := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); d > 0 {
			t.retryAfter.Store(int64(d))
		}
	}
	return resp, nil
}

func (t *retryAfterTransport) take() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.retryAfter.Swap(0))
}

// parseRetryAfter reads delay-seconds or an HTTP date. Anything else is 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func venueOrderID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

// average returns the executed qty and its volume-weighted price.
func average(executed, quote string) (decimal.Decimal, decimal.Decimal) {
	qty, err := decimal.NewFromString(executed)
	if err != nil || !qty.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	cost, err := decimal.NewFromString(quote)
	if err != nil {
		return qty, decimal.Zero
	}
	return qty, cost.Div(qty)
}

func sideType(s domain.Side) binance.SideType {
	if s == domain.SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func orderType(t domain.OrderType) binance.OrderType {
	if t == domain.OrderTypeMarket {
		return binance.OrderTypeMarket
	}
	return binance.OrderTypeLimit
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return domain.OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusSubmitted
	}
}
