package binance

import (
	"sync"

	"market_maker/internal/event"
)

type verdict int

const (
	verdictApply verdict = iota
	verdictStale
	verdictGap
)

// bookSync tracks the diff sequence of one symbol. All fields are guarded
// by mu, which is also held while the symbol's book events are emitted so
// a snapshot and the diffs that follow it leave in order.
type bookSync struct {
	mu        sync.Mutex
	symbol    string
	synced    bool
	fresh     bool // next diff is the first after a snapshot
	lastSeq   int64
	pending   []*event.BookDiff
	limit     int
	gen       uint64
	resyncing bool
}

func newBookSync(symbol string, limit int) *bookSync {
	if limit <= 0 {
		limit = defaultDiffBuffer
	}
	return &bookSync{symbol: symbol, limit: limit}
}

// check classifies d against the last applied sequence. The first diff
// after a snapshot must straddle seq+1; later diffs must follow exactly.
func (s *bookSync) check(d *event.BookDiff) verdict {
	if d.Final <= s.lastSeq {
		return verdictStale
	}
	next := s.lastSeq + 1
	if s.fresh {
		if d.First <= next && next <= d.Final {
			return verdictApply
		}
		return verdictGap
	}
	if d.First == next {
		return verdictApply
	}
	return verdictGap
}

func (s *bookSync) advance(d *event.BookDiff) {
	s.lastSeq = d.Final
	s.fresh = false
}

// bufferLocked holds d until the snapshot arrives. When full, the oldest
// diff is dropped; replay will then detect the hole and resync again.
func (s *bookSync) bufferLocked(d *event.BookDiff) {
	if len(s.pending) >= s.limit {
		event.ReleaseBookDiff(s.pending[0])
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, d)
}

// invalidateLocked marks the book unusable until the next snapshot and
// starts a new sync generation.
func (s *bookSync) invalidateLocked() {
	s.synced = false
	s.fresh = false
	s.gen++
	for _, d := range s.pending {
		event.ReleaseBookDiff(d)
	}
	s.pending = nil
}

// resetLocked applies a snapshot at seq and returns the buffered diffs
// that may follow it, in arrival order.
func (s *bookSync) resetLocked(seq int64) []*event.BookDiff {
	s.synced = true
	s.fresh = true
	s.lastSeq = seq

	replay := s.pending[:0]
	for _, d := range s.pending {
		if d.Final <= seq {
			event.ReleaseBookDiff(d)
			continue
		}
		replay = append(replay, d)
	}
	s.pending = nil
	return replay
}
