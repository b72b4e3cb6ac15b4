package market

import (
	"time"

	"github.com/shopspring/decimal"
)

type vwapSample struct {
	pv  decimal.Decimal
	vol decimal.Decimal
	ts  time.Time
}

// VWAP is a trailing-window volume weighted average price kept as running
// sums. Samples older than the window are subtracted on the way out.
type VWAP struct {
	window  time.Duration
	samples []vwapSample
	head    int
	pv      decimal.Decimal
	vol     decimal.Decimal
}

// NewVWAP creates a VWAP over the trailing window.
func NewVWAP(window time.Duration) *VWAP {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &VWAP{window: window}
}

// Add records a trade of qty at price.
func (v *VWAP) Add(price, qty decimal.Decimal, ts time.Time) {
	if !qty.IsPositive() {
		return
	}
	s := vwapSample{pv: price.Mul(qty), vol: qty, ts: ts}
	v.samples = append(v.samples, s)
	v.pv = v.pv.Add(s.pv)
	v.vol = v.vol.Add(s.vol)
	v.evict(ts)
}

func (v *VWAP) evict(now time.Time) {
	cutoff := now.Add(-v.window)
	for v.head < len(v.samples) && !v.samples[v.head].ts.After(cutoff) {
		s := v.samples[v.head]
		v.pv = v.pv.Sub(s.pv)
		v.vol = v.vol.Sub(s.vol)
		v.head++
	}
	if v.head > 0 && v.head*2 >= len(v.samples) {
		n := copy(v.samples, v.samples[v.head:])
		v.samples = v.samples[:n]
		v.head = 0
	}
}

// Expire drops samples that fell out of the window as of now.
func (v *VWAP) Expire(now time.Time) {
	v.evict(now)
}

// Value returns the VWAP as of now.
func (v *VWAP) Value(now time.Time) (decimal.Decimal, bool) {
	v.evict(now)
	return v.Current()
}

// Current returns the VWAP over the samples currently held. It does not
// modify the window.
func (v *VWAP) Current() (decimal.Decimal, bool) {
	if !v.vol.IsPositive() {
		return decimal.Zero, false
	}
	return v.pv.Div(v.vol), true
}

// Len returns the number of samples inside the window.
func (v *VWAP) Len() int { return len(v.samples) - v.head }
