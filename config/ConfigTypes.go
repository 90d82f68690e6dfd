package config

import "time"

type config struct {
	Exchange  ExchangeConfig
	Database  DatabaseConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	Scan      ScanConfig
	Metrics   MetricsConfig
}

type ExchangeConfig struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

type RiskConfig struct {
	DailyTargetPct float64 // halt for the day once cumulative PnL reaches this
	DailyLossCap   float64 // negative; halt once cumulative PnL falls to this
	PerTradeRisk   float64 // fraction of equity risked per trade
	StopLossPct    float64
	TakeProfitPct  float64
	MaxTradesDay   int
}

type ExecutionConfig struct {
	// Mode selects the entry path: "market", "stop_limit" or "maker".
	Mode           string
	TradeMode      string // "live" or "paper"
	Leverage       int    // applied per symbol before entry; zero leaves venue default
	PaperEquity    float64
	StopBufferPct  float64 // stop trigger distance above/below reference
	LimitBufferPct float64 // limit distance beyond the stop trigger
	SlippageCapPct float64 // max price drift tolerated on maker->taker fallback
	MakerWait      time.Duration
	OrderTimeout   time.Duration
	MaxHold        time.Duration // time-stop; zero disables
}

type ScanConfig struct {
	Interval        time.Duration
	EnableLong      bool
	EnableShort     bool
	TopN            int
	Cooldown        time.Duration // global cooldown after any close
	ReentryBlock    time.Duration // per-symbol lock after a close in that symbol
	RejectionBlock  time.Duration // per-symbol lock after a venue rejection
	SymbolBlacklist []string
	UseWebsocket    bool
}

type MetricsConfig struct {
	Addr string // promhttp listen address; empty disables
}

const (
	TradeModeLive  = "live"
	TradeModePaper = "paper"

	EntryModeMarket    = "market"
	EntryModeStopLimit = "stop_limit"
	EntryModeMaker     = "maker"
)
