package strategy

import "math"

// EMA is an exponential moving average with alpha = 2/(period+1), seeded by
// its first sample.
type EMA struct {
	period int
	alpha  float64
	value  float64
	count  int
}

// NewEMA creates an EMA over period samples.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{period: period, alpha: 2 / float64(period+1)}
}

// Update folds v into the average and returns the new value.
func (e *EMA) Update(v float64) float64 {
	if e.count == 0 {
		e.value = v
	} else {
		e.value = e.alpha*v + (1-e.alpha)*e.value
	}
	e.count++
	return e.value
}

// Seed sets the value directly and marks the EMA warm.
func (e *EMA) Seed(v float64) {
	e.value = v
	e.count = e.period
}

func (e *EMA) Value() float64 { return e.value }

// Ready is true once period samples have been seen.
func (e *EMA) Ready() bool { return e.count >= e.period }

// RollingWindow is a fixed-size ring buffer of float samples. The running
// sum keeps Mean O(1).
type RollingWindow struct {
	values []float64
	head   int // next write position
	count  int
	sum    float64
}

// NewRollingWindow creates a window holding size samples.
func NewRollingWindow(size int) *RollingWindow {
	if size < 2 {
		size = 2
	}
	return &RollingWindow{values: make([]float64, size)}
}

// Push adds v, evicting the oldest sample when full.
func (w *RollingWindow) Push(v float64) {
	if w.count == len(w.values) {
		old := w.values[w.head] // head points to the oldest value when full
		w.sum -= old
	} else {
		w.count++
	}
	w.values[w.head] = v
	w.sum += v
	w.head = (w.head + 1) % len(w.values)
}

func (w *RollingWindow) Len() int   { return w.count }
func (w *RollingWindow) Full() bool { return w.count == len(w.values) }

// Last returns the most recent sample.
func (w *RollingWindow) Last() float64 {
	if w.count == 0 {
		return 0
	}
	idx := w.head - 1
	if idx < 0 {
		idx = len(w.values) - 1
	}
	return w.values[idx]
}

// Mean of the samples held.
func (w *RollingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// StdDev is the population standard deviation of the samples held.
func (w *RollingWindow) StdDev() float64 {
	if w.count < 2 {
		return 0
	}
	// two-pass: log ratios sit far from zero
	mean := w.Mean()
	var ss float64
	for _, v := range w.values[:w.count] {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(w.count))
}

// ZScore of v against the window.
func (w *RollingWindow) ZScore(v float64) (float64, bool) {
	sd := w.StdDev()
	if sd == 0 || math.IsNaN(sd) {
		return 0, false
	}
	return (v - w.Mean()) / sd, true
}
