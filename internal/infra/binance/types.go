package binance

import (
	"encoding/json"
	"time"
)

const (
	defaultWSURL   = "wss://stream.binance.com:9443"
	defaultRestURL = "https://api.binance.com"

	defaultPingInterval     = 30 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultCommandTimeout   = 5 * time.Second
	defaultDiffBuffer       = 1000
	defaultDepthLimit       = 1000

	// Request weights of the REST endpoints used here.
	weightOrder  = 1
	weightCancel = 1
	weightQuery  = 4
)

// Binance error codes with special handling.
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
	codeOrderRejected   = -2010
	codeCancelRejected  = -2011
	codeNoSuchOrder     = -2013
)

// msgDuplicateOrder is the -2010 text for a reused newClientOrderId.
const msgDuplicateOrder = "Duplicate order sent"


// combinedMessage wraps every payload on /stream?streams=...
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

// depthUpdate is the <symbol>@depth@100ms payload.
type depthUpdate struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	First     int64       `json:"U"`
	Final     int64       `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// klineMessage is the <symbol>@kline_<interval> payload. Fields whose keys
// differ from a used key only by case are declared so encoding/json does
// not fold them onto the wrong field.
type klineMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime    int64  `json:"t"`
		CloseTime    int64  `json:"T"`
		Interval     string `json:"i"`
		Open         string `json:"o"`
		High         string `json:"h"`
		Low          string `json:"l"`
		LastTradeID  int64  `json:"L"`
		Close        string `json:"c"`
		Volume       string `json:"v"`
		TakerBuyBase string `json:"V"`
		Closed       bool   `json:"x"`
	} `json:"k"`
}

// aggTradeMessage is the <symbol>@aggTrade payload.
type aggTradeMessage struct {
	Event      string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
	Ignore     bool   `json:"M"`
}

// klineIntervals maps Binance interval names to durations.
var klineIntervals = map[string]time.Duration{
	"1s":  time.Second,
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// depthWeight is the REST weight of a depth snapshot of the given limit.
func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}
