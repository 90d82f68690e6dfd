package risk

import (
	"testing"
	"time"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		DailyTargetPct: 0.05,
		DailyLossCap:   -0.05,
		PerTradeRisk:   0.03,
		StopLossPct:    0.0075,
		TakeProfitPct:  0.015,
		MaxTradesDay:   50,
	}
}

func newTestGuard(t *testing.T, cfg config.RiskConfig) *Guard {
	t.Helper()
	g, err := NewGuard(cfg, logger.Nop())
	require.NoError(t, err)
	return g
}

func TestNewGuardRejectsNonPositiveStopLoss(t *testing.T) {
	cfg := testConfig()
	cfg.StopLossPct = 0
	_, err := NewGuard(cfg, logger.Nop())
	require.Error(t, err)

	cfg.StopLossPct = -0.01
	_, err = NewGuard(cfg, logger.Nop())
	require.Error(t, err)
}

func TestPositionSizeNotional(t *testing.T) {
	g := newTestGuard(t, testConfig())
	// 10000 * 0.03 / 0.0075
	assert.InDelta(t, 40000.0, g.PositionSizeNotional(10000), 1e-9)
	assert.Equal(t, 0.0, g.PositionSizeNotional(-100))
}

func TestComputeBracket(t *testing.T) {
	g := newTestGuard(t, testConfig())

	sl, tp := g.ComputeBracket(100, models.PositionSideLong)
	assert.InDelta(t, 99.25, sl, 1e-9)
	assert.InDelta(t, 101.5, tp, 1e-9)

	sl, tp = g.ComputeBracket(100, models.PositionSideShort)
	assert.InDelta(t, 100.75, sl, 1e-9)
	assert.InDelta(t, 98.5, tp, 1e-9)
}

func TestLossCapHaltsAndLatches(t *testing.T) {
	g := newTestGuard(t, testConfig())
	require.True(t, g.CanTrade())

	g.OnTradeClose(-0.03)
	assert.True(t, g.CanTrade())

	g.OnTradeClose(-0.025)
	assert.False(t, g.CanTrade(), "loss cap crossed, entries must halt")

	// A later winner must not reopen the day.
	g.OnTradeClose(0.10)
	assert.False(t, g.CanTrade())
	assert.Equal(t, 2, g.State().Trades, "accounting stops once halted")
}

func TestDailyTargetHalts(t *testing.T) {
	g := newTestGuard(t, testConfig())
	g.OnTradeClose(0.03)
	assert.True(t, g.CanTrade())
	g.OnTradeClose(0.025)
	assert.False(t, g.CanTrade())
}

func TestTradeBudgetHalts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTradesDay = 2
	g := newTestGuard(t, cfg)

	g.OnTradeClose(0.001)
	assert.True(t, g.CanTrade())
	g.OnTradeClose(0.001)
	assert.False(t, g.CanTrade())
}

func TestManualHalt(t *testing.T) {
	g := newTestGuard(t, testConfig())
	g.Halt()
	assert.False(t, g.CanTrade())
}

func TestRolloverResetsState(t *testing.T) {
	g := newTestGuard(t, testConfig())

	current := time.Date(2025, 3, 1, 23, 50, 0, 0, time.Local)
	g.now = func() time.Time { return current }
	g.state = models.DayState{DateKey: dateKey(current)}

	g.OnTradeClose(-0.06)
	require.False(t, g.CanTrade())

	// Same day: nothing changes.
	g.Rollover()
	assert.False(t, g.CanTrade())

	current = current.Add(time.Hour)
	g.Rollover()
	assert.True(t, g.CanTrade())
	st := g.State()
	assert.Equal(t, 0.0, st.PnlPct)
	assert.Equal(t, 0, st.Trades)
	assert.Equal(t, "2025-03-02", st.DateKey)
}
