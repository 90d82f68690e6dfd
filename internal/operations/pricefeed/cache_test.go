package pricefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetAndGet(t *testing.T) {
	c := NewCache()

	c.Set("ethusdt", 2500.5)
	p, ok := c.Get("ETHUSDT")
	require.True(t, ok, "symbols are case-folded on write")
	assert.Equal(t, 2500.5, p)

	_, ok = c.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestCacheIgnoresNonPositivePrices(t *testing.T) {
	c := NewCache()
	c.Set("ETHUSDT", 0)
	c.Set("ETHUSDT", -1)
	_, ok := c.Get("ETHUSDT")
	assert.False(t, ok)
}

func TestGetFreshExpiresStaleEntries(t *testing.T) {
	c := NewCache()
	c.Set("ETHUSDT", 2500.5)

	p, ok := c.GetFresh("ETHUSDT", time.Minute)
	require.True(t, ok)
	assert.Equal(t, 2500.5, p)

	_, ok = c.GetFresh("ETHUSDT", -time.Nanosecond)
	assert.False(t, ok, "anything older than the window is rejected")
}
