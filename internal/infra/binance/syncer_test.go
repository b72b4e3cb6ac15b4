package binance

import (
	"testing"

	"market_maker/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diff(first, final int64) *event.BookDiff {
	d := event.AcquireBookDiff()
	d.Symbol = "BTCUSDT"
	d.First = first
	d.Final = final
	return d
}

func TestBookSync_Check(t *testing.T) {
	tests := []struct {
		name  string
		fresh bool
		first int64
		final int64
		want  verdict
	}{
		{"stale", false, 90, 100, verdictStale},
		{"contiguous", false, 101, 105, verdictApply},
		{"hole", false, 102, 105, verdictGap},
		{"fresh straddles", true, 95, 110, verdictApply},
		{"fresh exact", true, 101, 101, verdictApply},
		{"fresh starts late", true, 102, 110, verdictGap},
		{"fresh stale", true, 80, 100, verdictStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newBookSync("BTCUSDT", 10)
			s.lastSeq = 100
			s.fresh = tt.fresh
			assert.Equal(t, tt.want, s.check(diff(tt.first, tt.final)))
		})
	}
}

func TestBookSync_ResetReplaysNewerDiffs(t *testing.T) {
	s := newBookSync("BTCUSDT", 10)
	s.bufferLocked(diff(90, 95))
	s.bufferLocked(diff(96, 102))
	s.bufferLocked(diff(103, 104))

	replay := s.resetLocked(100)
	require.Len(t, replay, 2)
	assert.Equal(t, int64(96), replay[0].First)
	assert.True(t, s.synced)
	assert.True(t, s.fresh)

	assert.Equal(t, verdictApply, s.check(replay[0]))
	s.advance(replay[0])
	assert.Equal(t, verdictApply, s.check(replay[1]))
	assert.Empty(t, s.pending)
}

func TestBookSync_BufferIsBounded(t *testing.T) {
	s := newBookSync("BTCUSDT", 2)
	s.bufferLocked(diff(1, 1))
	s.bufferLocked(diff(2, 2))
	s.bufferLocked(diff(3, 3))

	require.Len(t, s.pending, 2)
	assert.Equal(t, int64(2), s.pending[0].First)
}

func TestBookSync_InvalidateStartsNewGeneration(t *testing.T) {
	s := newBookSync("BTCUSDT", 2)
	s.resetLocked(10)
	s.bufferLocked(diff(11, 12))

	s.invalidateLocked()
	assert.False(t, s.synced)
	assert.Empty(t, s.pending)
	assert.Equal(t, uint64(1), s.gen)
}
