package pricefeed

import (
	"strings"
	"sync"
	"time"
)

// Cache is the shared last-price map. The websocket listener is the only
// writer per symbol; everything else reads. Last writer wins.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]entry
}

type entry struct {
	price float64
	at    time.Time
}

func NewCache() *Cache {
	return &Cache{prices: make(map[string]entry)}
}

func (c *Cache) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.prices[strings.ToUpper(symbol)] = entry{price: price, at: time.Now()}
	c.mu.Unlock()
}

// Get returns the cached last price and whether one exists.
func (c *Cache) Get(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[strings.ToUpper(symbol)]
	return e.price, ok
}

// GetFresh returns the cached price only if it is younger than maxAge.
func (c *Cache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[strings.ToUpper(symbol)]
	if !ok || time.Since(e.at) > maxAge {
		return 0, false
	}
	return e.price, true
}
