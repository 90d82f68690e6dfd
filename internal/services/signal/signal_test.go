package signal

import (
	"context"
	"errors"
	"testing"

	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/binance"
	"ScalpTradeBot/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKlines struct {
	bySymbol map[string][]binance.Kline
	err      error
}

func (f *fakeKlines) Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bySymbol[symbol], nil
}

// flatBars builds n identical candles.
func flatBars(n int, close, spread, vol float64) []binance.Kline {
	out := make([]binance.Kline, n)
	for i := range out {
		out[i] = binance.Kline{
			Open:   close,
			High:   close + spread,
			Low:    close - spread,
			Close:  close,
			Volume: vol,
		}
	}
	return out
}

func newTestEngine(bars map[string][]binance.Kline) *Engine {
	return NewEngine(&fakeKlines{bySymbol: bars}, DefaultConfig(), logger.Nop())
}

func TestScalpBreakoutLong(t *testing.T) {
	bars := flatBars(40, 100, 0.2, 10)
	bars[39].Close = 100.3 // above the 20-bar prior high of 100.2

	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.ScalpBreakout(context.Background(), "ETHUSDT")
	require.True(t, s.OK)
	assert.Equal(t, models.PositionSideLong, s.Side)
	assert.InDelta(t, 100.3, s.Entry, 1e-9)
}

func TestScalpBreakoutShort(t *testing.T) {
	bars := flatBars(40, 100, 0.2, 10)
	bars[39].Close = 99.7 // below the prior low of 99.8

	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.ScalpBreakout(context.Background(), "ETHUSDT")
	require.True(t, s.OK)
	assert.Equal(t, models.PositionSideShort, s.Side)
}

func TestScalpBreakoutNoBreak(t *testing.T) {
	bars := flatBars(40, 100, 0.2, 10)
	bars[39].Close = 100.1

	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	assert.False(t, e.ScalpBreakout(context.Background(), "ETHUSDT").OK)
}

func TestScalpBreakoutRejectsOverextension(t *testing.T) {
	bars := flatBars(40, 100, 0.2, 10)
	bars[39].Close = 102 // far above VWAP

	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.ScalpBreakout(context.Background(), "ETHUSDT")
	assert.False(t, s.OK)
	assert.Equal(t, "overextended-vwap", s.Reason)
}

func TestScalpBreakoutInsufficientBars(t *testing.T) {
	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": flatBars(10, 100, 0.2, 10)})
	s := e.ScalpBreakout(context.Background(), "ETHUSDT")
	assert.False(t, s.OK)
	assert.Equal(t, "insufficient-bars", s.Reason)
}

func TestScalpVWAPMeanReversion(t *testing.T) {
	bars := flatBars(40, 100, 0.2, 10)
	bars[39].Close = 98 // stretched far below the 21-bar mean

	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.ScalpVWAP(context.Background(), "ETHUSDT")
	require.True(t, s.OK)
	assert.Equal(t, models.PositionSideLong, s.Side, "enter against the stretch")

	bars[39].Close = 102
	s = e.ScalpVWAP(context.Background(), "ETHUSDT")
	require.True(t, s.OK)
	assert.Equal(t, models.PositionSideShort, s.Side)
}

func TestScalpVWAPQuietMarket(t *testing.T) {
	bars := flatBars(40, 100, 0.2, 10)
	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.ScalpVWAP(context.Background(), "ETHUSDT")
	assert.False(t, s.OK, "zero dispersion never signals")
}

// breakoutBars builds a qualifying volume-breakout series: a long flat base,
// a gentle rise into the close and a volume burst on the last bars.
func breakoutBars() []binance.Kline {
	bars := flatBars(120, 100, 0.2, 10)
	rises := []float64{100.1, 100.2, 100.3, 100.4}
	for i, c := range rises {
		idx := 115 + i
		bars[idx].Close = c
		bars[idx].High = c + 0.2
		bars[idx].Low = c - 0.2
	}
	// The last bar closes above every prior high (100.6) by well under the
	// overextension cap.
	bars[119].Close = 100.7
	bars[119].High = 100.9
	bars[119].Low = 100.3
	for i := 117; i < 120; i++ {
		bars[i].Volume = 30
	}
	return bars
}

func TestVolumeBreakoutQualifies(t *testing.T) {
	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": breakoutBars()})
	s := e.VolumeBreakout(context.Background(), "ETHUSDT")
	require.True(t, s.OK, "reason: %s", s.Reason)
	assert.Equal(t, models.PositionSideLong, s.Side)
	assert.Equal(t, "volume-breakout", s.Reason)
}

func TestVolumeBreakoutNeedsVolume(t *testing.T) {
	bars := breakoutBars()
	for i := 117; i < 120; i++ {
		bars[i].Volume = 10 // no burst
	}
	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.VolumeBreakout(context.Background(), "ETHUSDT")
	assert.False(t, s.OK)
	assert.Equal(t, "no-volume-spike", s.Reason)
}

func TestVolumeBreakoutRejectsOverextension(t *testing.T) {
	bars := breakoutBars()
	bars[119].Close = 103 // 2%+ past the prior high
	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": bars})
	s := e.VolumeBreakout(context.Background(), "ETHUSDT")
	assert.False(t, s.OK)
	assert.Equal(t, "overextended", s.Reason)
}

// breakdownBars builds a qualifying breakdown: drift below the prior low
// with a spiking-then-cooling volume pattern.
func breakdownBars() []binance.Kline {
	bars := flatBars(120, 100, 0.2, 10)
	drops := []float64{99.95, 99.9, 99.85, 99.8, 99.75}
	for i, c := range drops {
		idx := 115 + i
		bars[idx].Close = c
		bars[idx].High = c + 0.2
		bars[idx].Low = c - 0.2
	}
	// Last close breaks the 60-bar prior low of 99.8-0.2=... prior lows sit
	// at 99.8 except the drift tail; the final bar closes through them.
	bars[119].Close = 99.55
	bars[119].Low = 99.5
	bars[117].Volume = 30
	bars[118].Volume = 40
	bars[119].Volume = 25 // cooled off the 40 peak
	return bars
}

func TestVolumeBreakdownArmsThenEntersOnRetest(t *testing.T) {
	bars := breakdownBars()
	src := &fakeKlines{bySymbol: map[string][]binance.Kline{"ETHUSDT": bars}}
	e := NewEngine(src, DefaultConfig(), logger.Nop())

	// First pass: the break arms the symbol but does not enter.
	s := e.VolumeBreakdown(context.Background(), "ETHUSDT")
	require.False(t, s.OK)
	assert.Equal(t, "armed-awaiting-retest", s.Reason)

	// Price returns to the broken level (99.6) within the window: enter short.
	back := breakdownBars()
	back[119].Close = 99.59
	src.bySymbol["ETHUSDT"] = back

	s = e.VolumeBreakdown(context.Background(), "ETHUSDT")
	require.True(t, s.OK, "reason: %s", s.Reason)
	assert.Equal(t, models.PositionSideShort, s.Side)
}

func TestVolumeBreakdownRetestExpires(t *testing.T) {
	bars := breakdownBars()
	src := &fakeKlines{bySymbol: map[string][]binance.Kline{"ETHUSDT": bars}}
	cfg := DefaultConfig()
	cfg.RetestExpireBars = 2
	e := NewEngine(src, cfg, logger.Nop())

	s := e.VolumeBreakdown(context.Background(), "ETHUSDT")
	require.Equal(t, "armed-awaiting-retest", s.Reason)

	// Price never comes back; the armed state must expire, then re-arm on a
	// fresh qualifying break rather than fire stale.
	away := breakdownBars()
	away[119].Close = 98.0
	src.bySymbol["ETHUSDT"] = away

	for i := 0; i < 2; i++ {
		s = e.VolumeBreakdown(context.Background(), "ETHUSDT")
		assert.False(t, s.OK)
		assert.Equal(t, "awaiting-retest", s.Reason)
	}
	s = e.VolumeBreakdown(context.Background(), "ETHUSDT")
	assert.Equal(t, "retest-expired", s.Reason)
}

func TestKlineErrorNeverSignals(t *testing.T) {
	e := NewEngine(&fakeKlines{err: errors.New("rate limited")}, DefaultConfig(), logger.Nop())
	assert.False(t, e.VolumeBreakout(context.Background(), "ETHUSDT").OK)
	assert.False(t, e.VolumeBreakdown(context.Background(), "ETHUSDT").OK)
	assert.False(t, e.ScalpBreakout(context.Background(), "ETHUSDT").OK)
	assert.False(t, e.ScalpVWAP(context.Background(), "ETHUSDT").OK)
}

func TestEvaluateLongPriority(t *testing.T) {
	e := newTestEngine(map[string][]binance.Kline{"ETHUSDT": breakoutBars()})
	s := e.EvaluateLong(context.Background(), "ETHUSDT")
	require.True(t, s.OK)
	assert.Equal(t, "volume-breakout", s.Reason)
}
