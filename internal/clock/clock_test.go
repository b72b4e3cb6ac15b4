package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_NeverMovesBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.AdvanceTo(start.Add(time.Minute))
	c.AdvanceTo(start)
	c.Advance(-time.Hour)

	assert.Equal(t, start.Add(time.Minute), c.Now())
}

func TestManual_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	require.NoError(t, c.Sleep(context.Background(), 3*time.Second))
	assert.Equal(t, start.Add(3*time.Second), c.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
	assert.Equal(t, start.Add(3*time.Second), c.Now())
}

func TestReal_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_DayStartAnchor(t *testing.T) {
	s, err := NewSession("UTC", "08:00")
	require.NoError(t, err)

	before := time.Date(2024, 3, 10, 7, 59, 0, 0, time.UTC)
	after := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-09", s.Day(before))
	assert.Equal(t, "2024-03-10", s.Day(after))
	assert.Equal(t, after, s.NextBoundary(before))
	assert.Equal(t, after.Add(24*time.Hour), s.NextBoundary(after))
}

func TestSession_InvalidInput(t *testing.T) {
	_, err := NewSession("Nowhere/City", "")
	assert.Error(t, err)
	_, err = NewSession("", "25:99")
	assert.Error(t, err)
}
