package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"ScalpTradeBot/internal/models"

	"go.uber.org/zap"
)

// ErrSymbolNotFound means the symbol is absent from exchange metadata even
// after a refresh: unlistable or delisted. Callers must skip the candidate.
var ErrSymbolNotFound = errors.New("symbol not found in exchange rules")

// Source supplies the full rule set from venue metadata.
type Source interface {
	InstrumentRules(ctx context.Context) ([]models.InstrumentRule, error)
}

// Cache holds per-symbol trading filters. Lookups are read-locked; Refresh is
// the only writer.
type Cache struct {
	source Source
	log    *zap.SugaredLogger

	mu    sync.RWMutex
	rules map[string]models.InstrumentRule
}

func NewCache(source Source, log *zap.SugaredLogger) *Cache {
	return &Cache{
		source: source,
		log:    log,
		rules:  make(map[string]models.InstrumentRule),
	}
}

// Refresh replaces the cached rule set with fresh venue metadata.
func (c *Cache) Refresh(ctx context.Context) error {
	loaded, err := c.source.InstrumentRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instrument rules: %w", err)
	}

	next := make(map[string]models.InstrumentRule, len(loaded))
	for _, r := range loaded {
		next[r.Symbol] = r
	}

	c.mu.Lock()
	c.rules = next
	c.mu.Unlock()

	c.log.Infow("instrument rules refreshed", "symbols", len(next))
	return nil
}

// Get returns the rule for symbol, refreshing the cache once on a miss.
// A miss after refresh yields ErrSymbolNotFound.
func (c *Cache) Get(ctx context.Context, symbol string) (models.InstrumentRule, error) {
	c.mu.RLock()
	rule, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok {
		return rule, nil
	}

	// Miss: likely a newly listed symbol, refresh once before giving up.
	if err := c.Refresh(ctx); err != nil {
		return models.InstrumentRule{}, err
	}

	c.mu.RLock()
	rule, ok = c.rules[symbol]
	c.mu.RUnlock()
	if !ok {
		return models.InstrumentRule{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return rule, nil
}

// Tradable reports whether the symbol is currently listed, without refreshing.
func (c *Cache) Tradable(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rules[symbol]
	return ok
}

// Normalized is a price/quantity pair conformed to the instrument's grid,
// with the precisions needed to format them for the wire.
type Normalized struct {
	Price             float64
	Quantity          float64
	PricePrecision    int
	QuantityPrecision int
}

// Normalize floors price to the tick grid and quantity to the step grid, then
// raises quantity by step multiples until the notional clears the instrument
// minimum. Price is never adjusted for notional. Flooring is deliberate:
// rounding a price up can cross into a band the venue rejects.
func (c *Cache) Normalize(ctx context.Context, symbol string, price, qty float64) (Normalized, error) {
	rule, err := c.Get(ctx, symbol)
	if err != nil {
		return Normalized{}, err
	}

	// The 1e-9 guards keep already-aligned values fixed points despite
	// float division noise.
	if rule.PriceTick > 0 {
		price = math.Floor(price/rule.PriceTick+1e-9) * rule.PriceTick
	}
	if rule.MinPrice > 0 && price < rule.MinPrice {
		price = rule.MinPrice
	}

	if rule.QuantityStep > 0 {
		qty = math.Floor(qty/rule.QuantityStep+1e-9) * rule.QuantityStep
	}
	if rule.MinQty > 0 && qty < rule.MinQty {
		qty = rule.MinQty
	}

	if price*qty < rule.MinNotional {
		need := rule.MinNotional / math.Max(price, 1e-12)
		if rule.QuantityStep > 0 {
			qty = math.Ceil(need/rule.QuantityStep-1e-9) * rule.QuantityStep
		} else if need > qty {
			qty = need
		}
	}
	if rule.MaxQty > 0 && qty > rule.MaxQty {
		qty = rule.MaxQty
	}

	return Normalized{
		Price:             price,
		Quantity:          qty,
		PricePrecision:    rule.PricePrecision,
		QuantityPrecision: rule.QuantityPrecision,
	}, nil
}

// FormatPrice renders a normalized price at the instrument's precision.
func (n Normalized) FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', n.PricePrecision, 64)
}

// FormatQuantity renders a normalized quantity at the instrument's precision.
func (n Normalized) FormatQuantity(qty float64) string {
	return strconv.FormatFloat(qty, 'f', n.QuantityPrecision, 64)
}
