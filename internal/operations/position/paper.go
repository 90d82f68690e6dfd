package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/rules"

	"go.uber.org/zap"
)

// Quoter supplies last prices for the simulated fill model.
type Quoter interface {
	BestPrice(ctx context.Context, symbol string) (float64, error)
}

// PaperTrader simulates the bracket lifecycle against live market prices
// without touching the venue's order endpoints. Entries in stop-limit mode
// stay pending until price crosses the trigger and then fill at the limit
// price; protective exits fill at their trigger price on the first crossing
// observed. Accounting runs through the same guard and journal as live.
type PaperTrader struct {
	quoter   Quoter
	prices   PriceView
	rules    *rules.Cache
	guard    RiskGuard
	recorder TradeRecorder
	cfg      config.ExecutionConfig
	log      *zap.SugaredLogger
	now      func() time.Time

	mu     sync.Mutex
	pos    *models.Position
	cumPct float64

	// armed entry trigger for stop-limit mode
	pendingStop  float64
	pendingLimit float64
	pendingSince time.Time
}

func NewPaperTrader(
	quoter Quoter,
	prices PriceView,
	rulesCache *rules.Cache,
	guard RiskGuard,
	recorder TradeRecorder,
	cfg config.ExecutionConfig,
	log *zap.SugaredLogger,
) *PaperTrader {
	return &PaperTrader{
		quoter:   quoter,
		prices:   prices,
		rules:    rulesCache,
		guard:    guard,
		recorder: recorder,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (p *PaperTrader) HasOpenPosition() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos != nil
}

func (p *PaperTrader) OpenPosition() *models.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return nil
	}
	cp := *p.pos
	return &cp
}

func (p *PaperTrader) GetBestPrice(ctx context.Context, symbol string) (float64, error) {
	if p.prices != nil {
		if price, ok := p.prices.GetFresh(symbol, priceCacheMaxAge); ok {
			return price, nil
		}
	}
	return p.quoter.BestPrice(ctx, symbol)
}

// GetBalance returns simulated equity: the configured starting stake
// compounded by realized round-trips.
func (p *PaperTrader) GetBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.PaperEquity * (1 + p.cumPct), nil
}

func (p *PaperTrader) CancelOpenOrders(ctx context.Context, symbol string) error {
	return nil
}

func (p *PaperTrader) SyncState(ctx context.Context) error {
	return nil
}

func (p *PaperTrader) PlaceBracket(ctx context.Context, symbol, side string, qty, entryRef, stopLoss, takeProfit float64) error {
	if side != models.PositionSideLong && side != models.PositionSideShort {
		return fmt.Errorf("side must be LONG or SHORT, got %q", side)
	}
	p.mu.Lock()
	if p.pos != nil {
		p.mu.Unlock()
		return ErrPositionOpen
	}
	p.mu.Unlock()

	norm, err := p.rules.Normalize(ctx, symbol, entryRef, qty)
	if err != nil {
		return err
	}
	if norm.Quantity <= 0 {
		return ErrZeroQuantity
	}
	slNorm, err := p.rules.Normalize(ctx, symbol, stopLoss, norm.Quantity)
	if err != nil {
		return err
	}
	tpNorm, err := p.rules.Normalize(ctx, symbol, takeProfit, norm.Quantity)
	if err != nil {
		return err
	}

	pos := &models.Position{
		Symbol:          symbol,
		Side:            side,
		Quantity:        norm.Quantity,
		EntryPrice:      norm.Price,
		StopLossPrice:   slNorm.Price,
		TakeProfitPrice: tpNorm.Price,
		EntryOrderID:    p.now().UnixNano(),
		OpenedAt:        p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos != nil {
		return ErrPositionOpen
	}

	if p.cfg.Mode == config.EntryModeStopLimit {
		stop, limit := computeStopLimit(norm.Price, side == models.PositionSideLong,
			p.cfg.StopBufferPct, p.cfg.LimitBufferPct)
		pos.Pending = true
		p.pendingStop = stop
		p.pendingLimit = limit
		p.pendingSince = p.now()
		p.pos = pos
		p.log.Infow("paper entry armed",
			"symbol", symbol, "side", side, "trigger", stop, "limit", limit)
		return nil
	}

	// Market and maker modes fill immediately at the reference price.
	p.markFilled(pos)
	p.pos = pos
	p.log.Infow("paper bracket placed",
		"symbol", symbol, "side", side, "qty", pos.Quantity,
		"entry", pos.EntryPrice, "sl", pos.StopLossPrice, "tp", pos.TakeProfitPrice)
	return nil
}

// markFilled gives the simulated position synthetic protective ids so the
// same Protected/Pending predicates hold as in live trading.
func (p *PaperTrader) markFilled(pos *models.Position) {
	pos.Pending = false
	pos.Filled = true
	pos.TakeProfitOrderID = pos.EntryOrderID + 1
	pos.StopLossOrderID = pos.EntryOrderID + 2
	pos.OpenedAt = p.now()
}

// PollAndCloseIfHit advances the simulation one tick: arm-to-fill for a
// pending stop-limit entry, then trigger-crossing checks for the exits.
func (p *PaperTrader) PollAndCloseIfHit(ctx context.Context) (*CloseResult, error) {
	pos := p.OpenPosition()
	if pos == nil {
		return nil, nil
	}

	price, err := p.GetBestPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}

	if pos.Pending {
		return nil, p.advancePending(pos, price)
	}

	if exit, reason, hit := p.exitHit(pos, price); hit {
		return p.settle(pos, exit, reason), nil
	}
	if p.cfg.MaxHold > 0 && p.now().Sub(pos.OpenedAt) > p.cfg.MaxHold {
		return p.settle(pos, price, models.TradeReasonTimeStop), nil
	}
	return nil, nil
}

// advancePending fills an armed stop-limit entry once price crosses the
// trigger, or expires it after the order timeout.
func (p *PaperTrader) advancePending(pos *models.Position, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil || !p.pos.Pending {
		return nil
	}

	crossed := price >= p.pendingStop
	if pos.Side == models.PositionSideShort {
		crossed = price <= p.pendingStop
	}
	if crossed {
		// Fill at the limit price, the worst price the order accepts.
		p.pos.EntryPrice = p.pendingLimit
		sl, tp := p.guard.ComputeBracket(p.pendingLimit, pos.Side)
		p.pos.StopLossPrice = sl
		p.pos.TakeProfitPrice = tp
		p.markFilled(p.pos)
		p.log.Infow("paper entry filled",
			"symbol", pos.Symbol, "side", pos.Side, "entry", p.pos.EntryPrice)
		return nil
	}

	if p.cfg.OrderTimeout > 0 && p.now().Sub(p.pendingSince) > p.cfg.OrderTimeout {
		p.pos = nil
		p.log.Infow("paper entry expired unfilled", "symbol", pos.Symbol)
		return ErrEntryNotFilled
	}
	return nil
}

func (p *PaperTrader) exitHit(pos *models.Position, price float64) (exit float64, reason string, hit bool) {
	if pos.Side == models.PositionSideLong {
		if price >= pos.TakeProfitPrice {
			return pos.TakeProfitPrice, models.TradeReasonTakeProfit, true
		}
		if price <= pos.StopLossPrice {
			return pos.StopLossPrice, models.TradeReasonStopLoss, true
		}
		return 0, "", false
	}
	if price <= pos.TakeProfitPrice {
		return pos.TakeProfitPrice, models.TradeReasonTakeProfit, true
	}
	if price >= pos.StopLossPrice {
		return pos.StopLossPrice, models.TradeReasonStopLoss, true
	}
	return 0, "", false
}

func (p *PaperTrader) ForceClose(ctx context.Context, reason string) (*CloseResult, error) {
	pos := p.OpenPosition()
	if pos == nil {
		return nil, ErrNoPosition
	}
	if pos.Pending {
		// Armed but unfilled: just disarm, nothing to account.
		p.mu.Lock()
		p.pos = nil
		p.mu.Unlock()
		return nil, nil
	}
	price, err := p.GetBestPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetryClose, err)
	}
	return p.settle(pos, price, reason), nil
}

// settle runs the shared close accounting: realized PnL to the guard, a row
// to the journal, slot cleared.
func (p *PaperTrader) settle(pos *models.Position, exit float64, reason string) *CloseResult {
	pct := pos.ReturnPct(exit)
	p.guard.OnTradeClose(pct)
	p.recorder.RecordTrade(pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, exit, pct, reason)

	p.mu.Lock()
	p.cumPct += pct
	p.pos = nil
	p.mu.Unlock()

	res := &CloseResult{
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Quantity:  pos.Quantity,
		Entry:     pos.EntryPrice,
		Exit:      exit,
		ReturnPct: pct,
		Reason:    reason,
	}
	p.log.Infow("paper position closed",
		"symbol", res.Symbol, "side", res.Side, "reason", res.Reason,
		"entry", res.Entry, "exit", res.Exit, "return_pct", math.Round(res.ReturnPct*1e6)/1e6)
	return res
}
