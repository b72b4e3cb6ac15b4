package infra

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Grows(t *testing.T) {
	b := NewBackoff(BackoffConfig{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2})

	assert.Equal(t, 100*time.Millisecond, b.Next(0, nil))
	assert.Equal(t, 200*time.Millisecond, b.Next(1, nil))
	assert.Equal(t, 800*time.Millisecond, b.Next(3, nil))
	assert.Equal(t, time.Second, b.Next(4, nil))
	assert.Equal(t, time.Second, b.Next(500, nil))
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.2})
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		d := b.Next(2, rng)
		assert.GreaterOrEqual(t, d, 320*time.Millisecond)
		assert.LessOrEqual(t, d, 480*time.Millisecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	assert.Equal(t, 250*time.Millisecond, b.Min)
	assert.Equal(t, 30*time.Second, b.Max)
	assert.Equal(t, 2.0, b.Factor)
}
