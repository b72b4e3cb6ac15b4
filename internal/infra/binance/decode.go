package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"

	"github.com/shopspring/decimal"
)

// decodeMessage converts one websocket frame into a typed event. Frames
// that carry no market data (subscription acks, unknown streams) return
// nil, nil. Depth diffs come from the event pool.
func decodeMessage(raw []byte) (event.Event, error) {
	payload := raw
	var wrapped combinedMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(wrapped.Data) > 0 {
		payload = wrapped.Data
	}

	var hdr eventHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	switch hdr.Event {
	case "depthUpdate":
		return decodeDepth(payload)
	case "kline":
		return decodeKline(payload)
	case "aggTrade":
		return decodeAggTrade(payload)
	default:
		return nil, nil
	}
}

func decodeDepth(payload []byte) (event.Event, error) {
	var msg depthUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode depthUpdate: %w", err)
	}

	d := event.AcquireBookDiff()
	d.Symbol = msg.Symbol
	d.Time = time.UnixMilli(msg.EventTime)
	d.First = msg.First
	d.Final = msg.Final

	var err error
	if d.Bids, err = appendLevels(d.Bids, msg.Bids); err != nil {
		event.ReleaseBookDiff(d)
		return nil, err
	}
	if d.Asks, err = appendLevels(d.Asks, msg.Asks); err != nil {
		event.ReleaseBookDiff(d)
		return nil, err
	}
	return d, nil
}

func appendLevels(dst []domain.Level, raw [][2]string) ([]domain.Level, error) {
	for _, pq := range raw {
		l, err := parseLevel(pq[0], pq[1])
		if err != nil {
			return dst, err
		}
		dst = append(dst, l)
	}
	return dst, nil
}

func parseLevel(price, qty string) (domain.Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Level{}, fmt.Errorf("level price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return domain.Level{}, fmt.Errorf("level qty %q: %w", qty, err)
	}
	return domain.Level{Price: p, Qty: q}, nil
}

func decodeKline(payload []byte) (event.Event, error) {
	var msg klineMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	k := msg.Kline

	interval, ok := klineIntervals[k.Interval]
	if !ok {
		return nil, fmt.Errorf("unknown kline interval %q", k.Interval)
	}

	var ohlcv [5]decimal.Decimal
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("kline field %q: %w", s, err)
		}
		ohlcv[i] = v
	}

	return &event.CandleUpdate{
		Base: event.Base{Symbol: msg.Symbol, Time: time.UnixMilli(msg.EventTime)},
		Candle: domain.Candle{
			Symbol:    msg.Symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.StartTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      ohlcv[0],
			High:      ohlcv[1],
			Low:       ohlcv[2],
			Close:     ohlcv[3],
			Volume:    ohlcv[4],
			Closed:    k.Closed,
		},
	}, nil
}

func decodeAggTrade(payload []byte) (event.Event, error) {
	var msg aggTradeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode aggTrade: %w", err)
	}
	l, err := parseLevel(msg.Price, msg.Qty)
	if err != nil {
		return nil, err
	}
	return &event.Trade{
		Base:       event.Base{Symbol: msg.Symbol, Time: time.UnixMilli(msg.TradeTime)},
		Price:      l.Price,
		Qty:        l.Qty,
		BuyerMaker: msg.BuyerMaker,
	}, nil
}
