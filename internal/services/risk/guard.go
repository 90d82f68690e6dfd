package risk

import (
	"fmt"
	"time"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/models"

	"go.uber.org/zap"
)

// Guard owns the day's risk state: realized PnL, trade count and the halt
// latch. All methods are called from the control loop only.
type Guard struct {
	cfg   config.RiskConfig
	log   *zap.SugaredLogger
	now   func() time.Time
	state models.DayState
}

func NewGuard(cfg config.RiskConfig, log *zap.SugaredLogger) (*Guard, error) {
	if cfg.StopLossPct <= 0 {
		return nil, fmt.Errorf("stop loss pct must be positive, got %v", cfg.StopLossPct)
	}
	g := &Guard{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	g.state = models.DayState{DateKey: dateKey(g.now())}
	return g, nil
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Rollover resets the day state when the local calendar date changes.
// Called once per loop tick.
func (g *Guard) Rollover() {
	key := dateKey(g.now())
	if key == g.state.DateKey {
		return
	}
	g.log.Infow("day rollover", "from", g.state.DateKey, "to", key,
		"pnl_pct", g.state.PnlPct, "trades", g.state.Trades)
	g.state = models.DayState{DateKey: key}
}

// CanTrade reports whether new entries are permitted today.
func (g *Guard) CanTrade() bool {
	return !g.state.Halted
}

// Halt sets the day's halt latch manually (operator command).
func (g *Guard) Halt() {
	g.state.Halted = true
}

// State returns a copy of the current day state.
func (g *Guard) State() models.DayState {
	return g.state
}

// OnTradeClose accounts one realized round-trip. The halt latch is one-way:
// once the daily target or loss cap is crossed, or the trade budget is spent,
// no further entries are allowed until rollover. Unrealized PnL never counts.
func (g *Guard) OnTradeClose(returnPct float64) {
	if g.state.Halted {
		return
	}
	g.state.Trades++
	g.state.PnlPct += returnPct

	switch {
	case g.state.PnlPct >= g.cfg.DailyTargetPct:
		g.state.Halted = true
		g.log.Infow("daily target reached, halting", "pnl_pct", g.state.PnlPct)
	case g.state.PnlPct <= g.cfg.DailyLossCap:
		g.state.Halted = true
		g.log.Warnw("daily loss cap hit, halting", "pnl_pct", g.state.PnlPct)
	case g.cfg.MaxTradesDay > 0 && g.state.Trades >= g.cfg.MaxTradesDay:
		g.state.Halted = true
		g.log.Infow("daily trade budget spent, halting", "trades", g.state.Trades)
	}
}

// PositionSizeNotional sizes the position so a full stop-loss hit costs
// exactly PerTradeRisk of equity, regardless of instrument volatility.
func (g *Guard) PositionSizeNotional(equity float64) float64 {
	notional := equity * g.cfg.PerTradeRisk / g.cfg.StopLossPct
	if notional < 0 {
		return 0
	}
	return notional
}

// ComputeBracket returns the stop-loss and take-profit trigger prices for an
// entry at the given price. Pure function, no I/O.
func (g *Guard) ComputeBracket(entry float64, side string) (stopLoss, takeProfit float64) {
	if side == models.PositionSideLong {
		return entry * (1 - g.cfg.StopLossPct), entry * (1 + g.cfg.TakeProfitPct)
	}
	return entry * (1 + g.cfg.StopLossPct), entry * (1 - g.cfg.TakeProfitPct)
}
