package rules

import (
	"context"
	"errors"
	"testing"

	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	rules []models.InstrumentRule
	err   error
	calls int
}

func (f *fakeSource) InstrumentRules(ctx context.Context) ([]models.InstrumentRule, error) {
	f.calls++
	return f.rules, f.err
}

func btcRule() models.InstrumentRule {
	return models.InstrumentRule{
		Symbol:            "BTCUSDT",
		PriceTick:         0.10,
		QuantityStep:      0.001,
		PricePrecision:    1,
		QuantityPrecision: 3,
		MinQty:            0.001,
		MinNotional:       100,
	}
}

func newTestCache(t *testing.T, src *fakeSource) *Cache {
	t.Helper()
	c := NewCache(src, logger.Nop())
	require.NoError(t, c.Refresh(context.Background()))
	return c
}

func TestNormalizeFloorsToGrids(t *testing.T) {
	c := newTestCache(t, &fakeSource{rules: []models.InstrumentRule{btcRule()}})

	n, err := c.Normalize(context.Background(), "BTCUSDT", 50123.456, 0.12349)
	require.NoError(t, err)
	assert.InDelta(t, 50123.4, n.Price, 1e-9)
	assert.InDelta(t, 0.123, n.Quantity, 1e-9)
	assert.Equal(t, "50123.4", n.FormatPrice(n.Price))
	assert.Equal(t, "0.123", n.FormatQuantity(n.Quantity))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	c := newTestCache(t, &fakeSource{rules: []models.InstrumentRule{btcRule()}})
	ctx := context.Background()

	first, err := c.Normalize(ctx, "BTCUSDT", 50123.456, 0.12349)
	require.NoError(t, err)
	second, err := c.Normalize(ctx, "BTCUSDT", first.Price, first.Quantity)
	require.NoError(t, err)
	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, first.Quantity, second.Quantity)
}

func TestNormalizeRaisesQuantityForMinNotional(t *testing.T) {
	c := newTestCache(t, &fakeSource{rules: []models.InstrumentRule{btcRule()}})

	// 0.001 * 50000 = 50 < 100: quantity must rise, price must not move.
	n, err := c.Normalize(context.Background(), "BTCUSDT", 50000, 0.001)
	require.NoError(t, err)
	assert.InDelta(t, 50000.0, n.Price, 1e-9)
	assert.InDelta(t, 0.002, n.Quantity, 1e-9)
	assert.GreaterOrEqual(t, n.Price*n.Quantity, 100.0)
}

func TestNormalizeClampsToMinQty(t *testing.T) {
	rule := btcRule()
	rule.MinNotional = 0
	c := newTestCache(t, &fakeSource{rules: []models.InstrumentRule{rule}})

	n, err := c.Normalize(context.Background(), "BTCUSDT", 50000, 0.0001)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, n.Quantity, 1e-9)
}

func TestGetRefreshesOnceOnMiss(t *testing.T) {
	src := &fakeSource{rules: []models.InstrumentRule{btcRule()}}
	c := newTestCache(t, src)
	require.Equal(t, 1, src.calls)

	// Newly listed symbol appears on the refetch.
	src.rules = append(src.rules, models.InstrumentRule{Symbol: "NEWUSDT", PriceTick: 0.0001, QuantityStep: 1})
	r, err := c.Get(context.Background(), "NEWUSDT")
	require.NoError(t, err)
	assert.Equal(t, "NEWUSDT", r.Symbol)
	assert.Equal(t, 2, src.calls)

	// Cached now: no further refresh.
	_, err = c.Get(context.Background(), "NEWUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestGetUnknownSymbol(t *testing.T) {
	src := &fakeSource{rules: []models.InstrumentRule{btcRule()}}
	c := newTestCache(t, src)

	_, err := c.Get(context.Background(), "NOPEUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
	assert.Equal(t, 2, src.calls, "exactly one refresh attempt per miss")
}

func TestTradable(t *testing.T) {
	c := newTestCache(t, &fakeSource{rules: []models.InstrumentRule{btcRule()}})
	assert.True(t, c.Tradable("BTCUSDT"))
	assert.False(t, c.Tradable("NOPEUSDT"))
}

func TestRefreshErrorPropagates(t *testing.T) {
	src := &fakeSource{err: errors.New("exchange down")}
	c := NewCache(src, logger.Nop())
	require.Error(t, c.Refresh(context.Background()))

	_, err := c.Get(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSymbolNotFound), "transport failure is not a listing verdict")
}
