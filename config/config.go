package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func Load() (*config, error) {
	// A missing .env is fine; everything can come from the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := &config{
		Exchange: ExchangeConfig{
			APIKey:     os.Getenv("BINANCE_API_KEY"),
			SecretKey:  os.Getenv("BINANCE_SECRET_KEY"),
			UseTestnet: EnvtoBool(os.Getenv("USE_TESTNET"), false),
		},
		Database: DatabaseConfig{
			Host:     os.Getenv("DB_HOST"),
			Port:     EnvtoInt(os.Getenv("DB_PORT")),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   os.Getenv("DB_NAME"),
		},
		Risk: RiskConfig{
			DailyTargetPct: EnvtoFloat(os.Getenv("DAILY_TARGET_PCT"), 0.05),
			DailyLossCap:   EnvtoFloat(os.Getenv("DAILY_LOSS_CAP"), -0.05),
			PerTradeRisk:   EnvtoFloat(os.Getenv("PER_TRADE_RISK"), 0.03),
			StopLossPct:    EnvtoFloat(os.Getenv("SL_PCT"), 0.0040),
			TakeProfitPct:  EnvtoFloat(os.Getenv("TP_PCT"), 0.0055),
			MaxTradesDay:   EnvtoIntDefault(os.Getenv("MAX_TRADES_DAY"), 50),
		},
		Execution: ExecutionConfig{
			Mode:           EnvtoString(os.Getenv("ENTRY_MODE"), EntryModeStopLimit),
			TradeMode:      EnvtoString(os.Getenv("TRADE_MODE"), TradeModePaper),
			Leverage:       EnvtoIntDefault(os.Getenv("LEVERAGE"), 3),
			PaperEquity:    EnvtoFloat(os.Getenv("EQUITY_USDT"), 10000),
			StopBufferPct:  EnvtoFloat(os.Getenv("STOP_BUFFER_PCT"), 0.001),
			LimitBufferPct: EnvtoFloat(os.Getenv("LIMIT_BUFFER_PCT"), 0.0007),
			SlippageCapPct: EnvtoFloat(os.Getenv("SLIPPAGE_CAP_PCT"), 0.0007),
			MakerWait:      EnvtoDuration(os.Getenv("MAKER_WAIT"), 1500*time.Millisecond),
			OrderTimeout:   EnvtoDuration(os.Getenv("ORDER_TIMEOUT"), 90*time.Second),
			MaxHold:        EnvtoDuration(os.Getenv("MAX_HOLD"), 5*time.Minute),
		},
		Scan: ScanConfig{
			Interval:        EnvtoDuration(os.Getenv("SCAN_INTERVAL"), time.Second),
			EnableLong:      EnvtoBool(os.Getenv("ENABLE_LONG"), true),
			EnableShort:     EnvtoBool(os.Getenv("ENABLE_SHORT"), true),
			TopN:            EnvtoIntDefault(os.Getenv("SCAN_TOP_N"), 10),
			Cooldown:        EnvtoDuration(os.Getenv("COOLDOWN"), 3*time.Second),
			ReentryBlock:    EnvtoDuration(os.Getenv("REENTRY_BLOCK"), 45*time.Second),
			RejectionBlock:  EnvtoDuration(os.Getenv("REJECTION_BLOCK"), 60*time.Second),
			SymbolBlacklist: getBlacklist(),
			UseWebsocket:    EnvtoBool(os.Getenv("USE_WEBSOCKET"), true),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects parameter combinations the sizing math cannot support.
func (c *config) Validate() error {
	if c.Risk.StopLossPct <= 0 {
		return fmt.Errorf("SL_PCT must be positive, got %v", c.Risk.StopLossPct)
	}
	if c.Risk.TakeProfitPct <= 0 {
		return fmt.Errorf("TP_PCT must be positive, got %v", c.Risk.TakeProfitPct)
	}
	if c.Risk.PerTradeRisk <= 0 {
		return fmt.Errorf("PER_TRADE_RISK must be positive, got %v", c.Risk.PerTradeRisk)
	}
	if c.Risk.DailyTargetPct <= 0 {
		return fmt.Errorf("DAILY_TARGET_PCT must be positive, got %v", c.Risk.DailyTargetPct)
	}
	if c.Risk.DailyLossCap >= 0 {
		return fmt.Errorf("DAILY_LOSS_CAP must be negative, got %v", c.Risk.DailyLossCap)
	}
	switch c.Execution.TradeMode {
	case TradeModeLive, TradeModePaper:
	default:
		return fmt.Errorf("unknown TRADE_MODE: %q", c.Execution.TradeMode)
	}
	switch c.Execution.Mode {
	case EntryModeMarket, EntryModeStopLimit, EntryModeMaker:
	default:
		return fmt.Errorf("unknown ENTRY_MODE: %q", c.Execution.Mode)
	}
	if c.Execution.TradeMode == TradeModeLive && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("live mode requires BINANCE_API_KEY and BINANCE_SECRET_KEY")
	}
	return nil
}

// helper env(string) to int
func EnvtoInt(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}

func EnvtoIntDefault(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func EnvtoFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func EnvtoBool(s string, def bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func EnvtoDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func EnvtoString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// helper to get blacklisted symbols
func getBlacklist() []string {
	raw := os.Getenv("SYMBOL_BLACKLIST")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
