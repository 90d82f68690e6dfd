package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.0040, cfg.Risk.StopLossPct)
	assert.Equal(t, 0.0055, cfg.Risk.TakeProfitPct)
	assert.Equal(t, 0.03, cfg.Risk.PerTradeRisk)
	assert.Equal(t, 0.05, cfg.Risk.DailyTargetPct)
	assert.Equal(t, -0.05, cfg.Risk.DailyLossCap)
	assert.Equal(t, EntryModeStopLimit, cfg.Execution.Mode)
	assert.Equal(t, TradeModePaper, cfg.Execution.TradeMode)
	assert.Equal(t, 3, cfg.Execution.Leverage)
	assert.Equal(t, 90*time.Second, cfg.Execution.OrderTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Execution.MakerWait)
	assert.Equal(t, 5*time.Minute, cfg.Execution.MaxHold)
	assert.Equal(t, 3*time.Second, cfg.Scan.Cooldown)
	assert.Equal(t, 45*time.Second, cfg.Scan.ReentryBlock)
	assert.Equal(t, 60*time.Second, cfg.Scan.RejectionBlock)
	assert.True(t, cfg.Scan.EnableLong)
	assert.True(t, cfg.Scan.EnableShort)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SL_PCT", "0.01")
	t.Setenv("ENTRY_MODE", "maker")
	t.Setenv("MAX_HOLD", "10m")
	t.Setenv("ENABLE_SHORT", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg.Risk.StopLossPct)
	assert.Equal(t, EntryModeMaker, cfg.Execution.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Execution.MaxHold)
	assert.False(t, cfg.Scan.EnableShort)
}

func TestValidateRejectsNonPositiveStopLoss(t *testing.T) {
	t.Setenv("SL_PCT", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SL_PCT")
}

func TestValidateRejectsPositiveLossCap(t *testing.T) {
	t.Setenv("DAILY_LOSS_CAP", "0.05")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DAILY_LOSS_CAP")
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	t.Setenv("ENTRY_MODE", "yolo")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("ENTRY_MODE", "market")
	t.Setenv("TRADE_MODE", "dry-run")
	_, err = Load()
	require.Error(t, err)
}

func TestValidateLiveModeNeedsKeys(t *testing.T) {
	t.Setenv("TRADE_MODE", "live")
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_SECRET_KEY", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live mode")
}

func TestBlacklistParsing(t *testing.T) {
	t.Setenv("SYMBOL_BLACKLIST", "btcdomusdt, ethbtc ,,SOLUSDT")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCDOMUSDT", "ETHBTC", "SOLUSDT"}, cfg.Scan.SymbolBlacklist)
}
