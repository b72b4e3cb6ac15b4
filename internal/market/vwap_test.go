package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVWAP_TrailingWindow(t *testing.T) {
	v := NewVWAP(time.Minute)

	_, ok := v.Current()
	assert.False(t, ok, "empty window has no value")

	v.Add(d("100"), d("1"), base)
	v.Add(d("200"), d("1"), base.Add(30*time.Second))

	val, ok := v.Value(base.Add(30 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "150", val.String())

	// The first sample leaves the window.
	val, ok = v.Value(base.Add(61 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "200", val.String())
	assert.Equal(t, 1, v.Len())

	_, ok = v.Value(base.Add(2 * time.Minute))
	assert.False(t, ok)
}

func TestVWAP_IgnoresZeroVolume(t *testing.T) {
	v := NewVWAP(time.Minute)
	v.Add(d("100"), d("0"), base)
	assert.Equal(t, 0, v.Len())
}
