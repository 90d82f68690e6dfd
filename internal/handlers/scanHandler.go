package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/binance"
	"ScalpTradeBot/internal/operations/position"
	"ScalpTradeBot/internal/operations/rules"
	"ScalpTradeBot/internal/services/signal"

	"go.uber.org/zap"
)

const (
	loopInterval     = 800 * time.Millisecond
	timeSyncInterval = 30 * time.Minute
	stateSyncEvery   = 30 * time.Second
)

// MarketData is the slice of the exchange client the scan loop reads.
type MarketData interface {
	TopGainers(ctx context.Context, limit int, blacklist []string) ([]models.TickerStat, error)
	TopLosers(ctx context.Context, limit int, blacklist []string) ([]models.TickerStat, error)
	SyncServerTime(ctx context.Context) (int64, error)
}

// SignalEngine evaluates entry predicates per side.
type SignalEngine interface {
	EvaluateLong(ctx context.Context, symbol string) signal.Signal
	EvaluateShort(ctx context.Context, symbol string) signal.Signal
}

// RiskControl is the day-state surface the loop drives.
type RiskControl interface {
	Rollover()
	CanTrade() bool
	Halt()
	State() models.DayState
	PositionSizeNotional(equity float64) float64
	ComputeBracket(entry float64, side string) (stopLoss, takeProfit float64)
}

// Instruments answers listing checks without hitting the venue.
type Instruments interface {
	Tradable(symbol string) bool
}

// Subscriber is the price stream's watch-set control.
type Subscriber interface {
	Subscribe(symbols []string)
}

// ScanHandler owns the control loop: position supervision while a trade is
// on, market scanning and entry when flat, operator commands in between.
// All position mutation flows through the Trader; this loop is the only
// goroutine driving it.
type ScanHandler struct {
	trader   position.Trader
	market   MarketData
	engine   SignalEngine
	guard    RiskControl
	rules    Instruments
	feed     Subscriber // nil when the websocket feed is disabled
	commands <-chan Command
	cfg      config.ScanConfig
	log      *zap.SugaredLogger
	now      func() time.Time

	equity        float64
	paused        bool
	lastScan      time.Time
	lastTimeSync  time.Time
	lastStateSync time.Time
	cooldownUntil time.Time
	symbolLock    map[string]time.Time
}

func NewScanHandler(
	trader position.Trader,
	market MarketData,
	engine SignalEngine,
	guard RiskControl,
	instruments Instruments,
	feed Subscriber,
	commands <-chan Command,
	cfg config.ScanConfig,
	log *zap.SugaredLogger,
) *ScanHandler {
	return &ScanHandler{
		trader:     trader,
		market:     market,
		engine:     engine,
		guard:      guard,
		rules:      instruments,
		feed:       feed,
		commands:   commands,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		symbolLock: make(map[string]time.Time),
	}
}

// Run drives the loop until the context ends. The initial equity fetch is
// load-bearing: trading blind on sizing is worse than not starting.
func (h *ScanHandler) Run(ctx context.Context) error {
	equity, err := h.trader.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch initial balance: %w", err)
	}
	h.equity = equity
	h.lastTimeSync = h.now()
	h.log.Infow("starting", "equity", equity)

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-h.commands:
			h.handleCommand(ctx, cmd)
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *ScanHandler) handleCommand(ctx context.Context, cmd Command) {
	switch cmd {
	case CmdTogglePause:
		h.paused = !h.paused
		h.log.Infow("scan pause toggled", "paused", h.paused)
	case CmdForceClose:
		res, err := h.trader.ForceClose(ctx, models.TradeReasonForced)
		if err != nil {
			h.log.Warnw("force close failed", "error", err)
			return
		}
		if res != nil {
			h.onClose(ctx, res)
		}
	case CmdHaltToday:
		h.guard.Halt()
		h.log.Warnw("manual halt for today")
	}
}

func (h *ScanHandler) tick(ctx context.Context) {
	now := h.now()
	h.guard.Rollover()

	// The venue rejects signed requests once local clock drift exceeds its
	// receive window, so the offset is refreshed on a long cycle.
	if now.Sub(h.lastTimeSync) > timeSyncInterval {
		h.lastTimeSync = now
		if offset, err := h.market.SyncServerTime(ctx); err != nil {
			h.log.Warnw("server time sync failed", "error", err)
		} else {
			h.log.Infow("server time re-synced", "offset_ms", offset)
		}
	}

	// Reconciliation runs open or flat: with a position it adopts venue
	// truth, without one it can still surface an orphaned venue position.
	if now.Sub(h.lastStateSync) > stateSyncEvery {
		h.lastStateSync = now
		if err := h.trader.SyncState(ctx); err != nil {
			h.log.Warnw("state sync failed", "error", err)
		}
	}

	if h.trader.HasOpenPosition() {
		h.supervise(ctx)
		return
	}

	if !h.guard.CanTrade() || h.paused {
		return
	}
	if now.Sub(h.lastScan) < h.cfg.Interval {
		return
	}
	h.scan(ctx, now)
}

// supervise runs the per-tick checks while a position is on.
func (h *ScanHandler) supervise(ctx context.Context) {
	res, err := h.trader.PollAndCloseIfHit(ctx)
	if err != nil {
		h.log.Warnw("position poll failed", "error", err)
	}
	if res != nil {
		h.onClose(ctx, res)
	}
}

// onClose applies the anti-churn cooldowns and refreshes equity so the next
// entry is sized on what is actually in the account.
func (h *ScanHandler) onClose(ctx context.Context, res *position.CloseResult) {
	now := h.now()
	h.cooldownUntil = now.Add(h.cfg.Cooldown)
	h.symbolLock[res.Symbol] = now.Add(h.cfg.ReentryBlock)

	if equity, err := h.trader.GetBalance(ctx); err != nil {
		h.log.Warnw("balance refresh failed, keeping previous", "error", err)
	} else {
		h.equity = equity
	}

	st := h.guard.State()
	h.log.Infow("round-trip complete",
		"symbol", res.Symbol, "reason", res.Reason,
		"return_pct", res.ReturnPct, "day_pnl_pct", st.PnlPct,
		"day_trades", st.Trades, "equity", h.equity)
}

func (h *ScanHandler) locked(symbol string, now time.Time) bool {
	return now.Before(h.symbolLock[symbol])
}

// scan pulls movers for each enabled side, evaluates predicates in priority
// order and enters on the first accepted candidate. Long candidates are
// checked before short ones.
func (h *ScanHandler) scan(ctx context.Context, now time.Time) {
	h.lastScan = now

	var watch []string
	var cand *models.Candidate

	if h.cfg.EnableLong {
		gainers, err := h.market.TopGainers(ctx, h.cfg.TopN, h.cfg.SymbolBlacklist)
		if err != nil {
			h.log.Warnw("gainers scan failed", "error", err)
		} else {
			for _, g := range gainers {
				watch = append(watch, g.Symbol)
			}
			if now.After(h.cooldownUntil) {
				cand = h.firstCandidate(ctx, gainers, models.PositionSideLong, now)
			}
		}
	}

	if h.cfg.EnableShort {
		losers, err := h.market.TopLosers(ctx, h.cfg.TopN, h.cfg.SymbolBlacklist)
		if err != nil {
			h.log.Warnw("losers scan failed", "error", err)
		} else {
			for _, l := range losers {
				watch = append(watch, l.Symbol)
			}
			if cand == nil && now.After(h.cooldownUntil) {
				cand = h.firstCandidate(ctx, losers, models.PositionSideShort, now)
			}
		}
	}

	if h.feed != nil && h.cfg.UseWebsocket {
		h.feed.Subscribe(watch)
	}

	if cand != nil {
		h.enter(ctx, cand)
	}
}

func (h *ScanHandler) firstCandidate(ctx context.Context, movers []models.TickerStat, side string, now time.Time) *models.Candidate {
	for _, m := range movers {
		if h.locked(m.Symbol, now) {
			continue
		}
		if !h.rules.Tradable(m.Symbol) {
			continue
		}
		var s signal.Signal
		if side == models.PositionSideLong {
			s = h.engine.EvaluateLong(ctx, m.Symbol)
		} else {
			s = h.engine.EvaluateShort(ctx, m.Symbol)
		}
		if !s.OK {
			continue
		}
		ref := s.Entry
		if ref <= 0 {
			ref = m.LastPrice
		}
		return &models.Candidate{
			Symbol:         m.Symbol,
			ReferencePrice: ref,
			Side:           side,
			Reason:         s.Reason,
		}
	}
	return nil
}

// enter sizes the candidate and hands it to the trader. Rejections lock the
// symbol for the extended window so the loop does not hammer a symbol the
// venue keeps refusing.
func (h *ScanHandler) enter(ctx context.Context, cand *models.Candidate) {
	notional := h.guard.PositionSizeNotional(h.equity)
	if notional <= 0 || cand.ReferencePrice <= 0 {
		return
	}
	qty := notional / cand.ReferencePrice
	stopLoss, takeProfit := h.guard.ComputeBracket(cand.ReferencePrice, cand.Side)

	err := h.trader.PlaceBracket(ctx, cand.Symbol, cand.Side, qty, cand.ReferencePrice, stopLoss, takeProfit)
	now := h.now()
	switch {
	case err == nil:
		h.cooldownUntil = now.Add(h.cfg.Cooldown)
		h.symbolLock[cand.Symbol] = now.Add(h.cfg.ReentryBlock)
		h.log.Infow("entered",
			"symbol", cand.Symbol, "side", cand.Side, "reason", cand.Reason,
			"notional", notional)

	case errors.Is(err, position.ErrZeroQuantity),
		errors.Is(err, rules.ErrSymbolNotFound):
		h.symbolLock[cand.Symbol] = now.Add(h.cfg.RejectionBlock)
		h.log.Infow("candidate skipped", "symbol", cand.Symbol, "error", err)

	case errors.Is(err, position.ErrPositionOpen), errors.Is(err, position.ErrBusy):
		// Raced an operator action; next tick sees the real state.
		h.log.Debugw("entry declined", "symbol", cand.Symbol, "error", err)

	case binance.IsRejection(err):
		h.symbolLock[cand.Symbol] = now.Add(h.cfg.RejectionBlock)
		h.log.Errorw("entry rejected by venue", "symbol", cand.Symbol, "error", err)

	default:
		h.log.Errorw("entry failed", "symbol", cand.Symbol, "error", err)
	}
}
