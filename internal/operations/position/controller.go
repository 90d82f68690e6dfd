package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/binance"
	"ScalpTradeBot/internal/operations/rules"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

// PriceView is the read side of the streaming price cache.
type PriceView interface {
	GetFresh(symbol string, maxAge time.Duration) (float64, bool)
}

// Residual position amounts below this are treated as flat.
const dustEpsilon = 1e-8

const (
	fillPollInterval = 600 * time.Millisecond
	priceCacheMaxAge = 10 * time.Second
)

// Controller owns the single open-position slot and drives the order
// lifecycle: entry submission, fill confirmation, protective-order
// attachment, closure detection and reconciliation against venue truth.
//
// All mutating operations share one in-flight guard, so an entry, a poll and
// a forced close can never interleave. The venue's position size is the
// authoritative fill/close signal throughout.
type Controller struct {
	gw       Gateway
	rules    *rules.Cache
	guard    RiskGuard
	recorder TradeRecorder
	prices   PriceView
	cfg      config.ExecutionConfig
	log      *zap.SugaredLogger
	now      func() time.Time

	mu       sync.Mutex
	pos      *models.Position
	inFlight bool

	// lastSymbol remembers the most recent entry's symbol so reconciliation
	// can spot a venue position that survived a lost local slot.
	lastSymbol string
}

func NewController(
	gw Gateway,
	rulesCache *rules.Cache,
	guard RiskGuard,
	recorder TradeRecorder,
	prices PriceView,
	cfg config.ExecutionConfig,
	log *zap.SugaredLogger,
) *Controller {
	return &Controller{
		gw:       gw,
		rules:    rulesCache,
		guard:    guard,
		recorder: recorder,
		prices:   prices,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (c *Controller) HasOpenPosition() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos != nil
}

// OpenPosition returns a copy of the current position, or nil.
func (c *Controller) OpenPosition() *models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil {
		return nil
	}
	cp := *c.pos
	return &cp
}

// GetBestPrice prefers the streaming cache and falls back to REST.
func (c *Controller) GetBestPrice(ctx context.Context, symbol string) (float64, error) {
	if c.prices != nil {
		if p, ok := c.prices.GetFresh(symbol, priceCacheMaxAge); ok {
			return p, nil
		}
	}
	return c.gw.BestPrice(ctx, symbol)
}

func (c *Controller) GetBalance(ctx context.Context) (float64, error) {
	return c.gw.Balance(ctx)
}

func (c *Controller) CancelOpenOrders(ctx context.Context, symbol string) error {
	return c.gw.CancelAllOpenOrders(ctx, symbol)
}

// PlaceBracket runs the full entry sequence: defensive cleanup, entry
// submission, fill confirmation, protective-order attachment. The sequence
// is strictly ordered; reordering it opens a window where a fill exists
// with no protection.
func (c *Controller) PlaceBracket(ctx context.Context, symbol, side string, qty, entryRef, stopLoss, takeProfit float64) error {
	if side != models.PositionSideLong && side != models.PositionSideShort {
		return fmt.Errorf("side must be LONG or SHORT, got %q", side)
	}

	c.mu.Lock()
	if c.pos != nil {
		c.mu.Unlock()
		return ErrPositionOpen
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.inFlight = true
	c.mu.Unlock()
	defer c.end()

	norm, err := c.rules.Normalize(ctx, symbol, entryRef, qty)
	if err != nil {
		return err
	}
	if norm.Quantity <= 0 {
		return ErrZeroQuantity
	}
	slNorm, err := c.rules.Normalize(ctx, symbol, stopLoss, norm.Quantity)
	if err != nil {
		return err
	}
	tpNorm, err := c.rules.Normalize(ctx, symbol, takeProfit, norm.Quantity)
	if err != nil {
		return err
	}

	// Cleanup first: a crashed prior run may have left orphaned orders on
	// this symbol.
	if err := c.gw.CancelAllOpenOrders(ctx, symbol); err != nil {
		return fmt.Errorf("failed to cancel stale orders for %s: %w", symbol, err)
	}

	if c.cfg.Leverage > 0 {
		if err := c.gw.SetLeverage(ctx, symbol, c.cfg.Leverage); err != nil {
			c.log.Warnw("failed to set leverage", "symbol", symbol, "error", err)
		}
	}

	entryID, err := c.submitEntry(ctx, symbol, side, norm)
	if err != nil {
		return fmt.Errorf("entry submission for %s failed: %w", symbol, err)
	}

	// Lock the slot on submission ack, before anything else. A crash past
	// this point still leaves the system aware a position may exist, which
	// is what prevents a duplicate entry on the next tick.
	c.mu.Lock()
	c.pos = &models.Position{
		Symbol:          symbol,
		Side:            side,
		Quantity:        norm.Quantity,
		EntryPrice:      norm.Price,
		StopLossPrice:   slNorm.Price,
		TakeProfitPrice: tpNorm.Price,
		EntryOrderID:    entryID,
		Pending:         true,
		OpenedAt:        c.now(),
	}
	c.lastSymbol = symbol
	c.mu.Unlock()

	fillPrice, err := c.confirmEntry(ctx, symbol, side, norm)
	if err != nil {
		if errors.Is(err, ErrEntryNotFilled) || errors.Is(err, ErrSlippageCap) {
			// Verified dead at the venue: clear the slot, nothing survives.
			c.clearPosition()
			return err
		}
		// Inconclusive: the order may have filled while confirmation failed.
		// The slot stays locked and the next poll resolves it against venue
		// position size; clearing here would abandon a live fill.
		return fmt.Errorf("entry confirmation for %s unresolved, slot retained: %w", symbol, err)
	}

	c.mu.Lock()
	c.pos.Filled = true
	c.mu.Unlock()

	// The actual fill can differ materially from the sizing reference
	// (maker/taker fallback, stop-limit gap), so the bracket is recomputed
	// from what really happened.
	if fillPrice > 0 {
		slRaw, tpRaw := c.guard.ComputeBracket(fillPrice, side)
		slNorm, err = c.rules.Normalize(ctx, symbol, slRaw, norm.Quantity)
		if err != nil {
			return err
		}
		tpNorm, err = c.rules.Normalize(ctx, symbol, tpRaw, norm.Quantity)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.pos.EntryPrice = fillPrice
		c.pos.StopLossPrice = slNorm.Price
		c.pos.TakeProfitPrice = tpNorm.Price
		c.mu.Unlock()
	}

	if err := c.attachProtection(ctx); err != nil {
		// Hazard state: a live, unprotected position sits on the venue. The
		// slot stays locked and the repair path retries every tick.
		return fmt.Errorf("position %s open but protective orders not attached: %w", symbol, err)
	}

	c.log.Infow("bracket placed",
		"symbol", symbol, "side", side, "qty", norm.Quantity,
		"entry", c.OpenPosition().EntryPrice, "sl", slNorm.Price, "tp", tpNorm.Price)
	return nil
}

// submitEntry places the initial entry order per the configured execution
// mode and returns its id.
func (c *Controller) submitEntry(ctx context.Context, symbol, side string, norm rules.Normalized) (int64, error) {
	orderSide := "BUY"
	if side == models.PositionSideShort {
		orderSide = "SELL"
	}
	clientID := fmt.Sprintf("entry_%d", c.now().UnixNano())

	switch c.cfg.Mode {
	case config.EntryModeMarket:
		return c.gw.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:   symbol,
			Side:     orderSide,
			Type:     futures.OrderTypeMarket,
			Quantity: norm.FormatQuantity(norm.Quantity),
			ClientID: clientID,
		})

	case config.EntryModeMaker:
		// Post-only at the reference price; the taker fallback happens in
		// confirmEntry if this sits unfilled past the observation window.
		return c.gw.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:      symbol,
			Side:        orderSide,
			Type:        futures.OrderTypeLimit,
			TimeInForce: futures.TimeInForceTypeGTX,
			Quantity:    norm.FormatQuantity(norm.Quantity),
			Price:       norm.FormatPrice(norm.Price),
			ClientID:    clientID,
		})

	default: // stop-limit
		stopRaw, limitRaw := computeStopLimit(norm.Price, side == models.PositionSideLong,
			c.cfg.StopBufferPct, c.cfg.LimitBufferPct)
		stopN, err := c.rules.Normalize(ctx, symbol, stopRaw, norm.Quantity)
		if err != nil {
			return 0, err
		}
		limitN, err := c.rules.Normalize(ctx, symbol, limitRaw, norm.Quantity)
		if err != nil {
			return 0, err
		}
		return c.gw.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:      symbol,
			Side:        orderSide,
			Type:        futures.OrderTypeStop,
			TimeInForce: futures.TimeInForceTypeGTC,
			Quantity:    norm.FormatQuantity(norm.Quantity),
			Price:       limitN.FormatPrice(limitN.Price),
			StopPrice:   stopN.FormatPrice(stopN.Price),
			ClientID:    clientID,
		})
	}
}

// confirmEntry waits for the entry to become a real venue position and
// returns the fill price. In maker mode an unfilled order is cancelled after
// the observation window and replaced with a market order, unless the price
// has drifted beyond the slippage cap.
func (c *Controller) confirmEntry(ctx context.Context, symbol, side string, norm rules.Normalized) (float64, error) {
	entryID := c.OpenPosition().EntryOrderID

	if c.cfg.Mode == config.EntryModeMaker {
		fill, filled, err := c.pollFill(ctx, symbol, entryID, c.cfg.MakerWait)
		if err != nil {
			return 0, err
		}
		if filled {
			return fill, nil
		}
		if err := c.gw.CancelOrder(ctx, symbol, entryID); err != nil {
			// The cancel may race the fill; re-check before falling back.
			if fill, filled, qerr := c.pollFill(ctx, symbol, entryID, 0); qerr == nil && filled {
				return fill, nil
			}
			return 0, fmt.Errorf("failed to cancel unfilled maker order: %w", err)
		}

		cur, err := c.GetBestPrice(ctx, symbol)
		if err != nil {
			return 0, fmt.Errorf("slippage check failed: %w", err)
		}
		drift := math.Abs(cur-norm.Price) / norm.Price
		if drift > c.cfg.SlippageCapPct {
			return 0, fmt.Errorf("%w: drift %.5f > cap %.5f", ErrSlippageCap, drift, c.cfg.SlippageCapPct)
		}

		orderSide := "BUY"
		if side == models.PositionSideShort {
			orderSide = "SELL"
		}
		marketID, err := c.gw.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:   symbol,
			Side:     orderSide,
			Type:     futures.OrderTypeMarket,
			Quantity: norm.FormatQuantity(norm.Quantity),
			ClientID: fmt.Sprintf("entry_tk_%d", c.now().UnixNano()),
		})
		if err != nil {
			return 0, fmt.Errorf("taker fallback failed: %w", err)
		}
		c.mu.Lock()
		c.pos.EntryOrderID = marketID
		c.mu.Unlock()
		entryID = marketID
	}

	fill, filled, err := c.pollFill(ctx, symbol, entryID, c.cfg.OrderTimeout)
	if err != nil {
		return 0, err
	}
	if filled {
		return fill, nil
	}

	// Timed out: cancel and walk away with no partial state. ErrEntryNotFilled
	// is only returned once the cancel is confirmed; an unverified cancel may
	// still race a fill, so it surfaces as an unresolved error instead.
	if cerr := c.gw.CancelOrder(ctx, symbol, entryID); cerr != nil {
		// Cancel racing a late fill: one more look before failing.
		if fill, filled, qerr := c.pollFill(ctx, symbol, entryID, 0); qerr == nil && filled {
			return fill, nil
		}
		return 0, fmt.Errorf("failed to cancel timed-out entry order %d: %w", entryID, cerr)
	}
	return 0, ErrEntryNotFilled
}

// pollFill re-queries the order until it fills, terminates or the window
// elapses. A fill is only trusted once the venue reports a non-zero position
// size. Returns (fillPrice, filled, err); window<=0 means a single probe.
func (c *Controller) pollFill(ctx context.Context, symbol string, orderID int64, window time.Duration) (float64, bool, error) {
	deadline := c.now().Add(window)
	for {
		q, err := c.gw.QueryOrder(ctx, symbol, orderID)
		if err != nil {
			return 0, false, err
		}
		switch q.Status {
		case "FILLED":
			size, err := c.gw.PositionSize(ctx, symbol)
			if err != nil {
				return 0, false, err
			}
			if math.Abs(size) > dustEpsilon {
				fill := q.AvgPrice
				if fill <= 0 {
					if venueEntry, err := c.gw.EntryPrice(ctx, symbol); err == nil {
						fill = venueEntry
					}
				}
				return fill, true, nil
			}
		case "CANCELED", "EXPIRED", "REJECTED":
			return 0, false, nil
		}

		if !c.now().Before(deadline) {
			return 0, false, nil
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(fillPollInterval):
		}
	}
}

// attachProtection places whichever of the two protective orders is missing,
// adopting any that already exist at the venue first. Running it twice when
// both orders exist submits nothing. Pending drops only once both are
// confirmed attached.
func (c *Controller) attachProtection(ctx context.Context) error {
	pos := c.OpenPosition()
	if pos == nil {
		return ErrNoPosition
	}

	// Adopt protective orders already on the book; never attach a duplicate.
	if open, err := c.gw.OpenOrders(ctx, pos.Symbol); err == nil {
		for _, o := range open {
			switch o.Type {
			case string(futures.OrderTypeTakeProfitMarket):
				if pos.TakeProfitOrderID == 0 {
					pos.TakeProfitOrderID = o.OrderID
				}
			case string(futures.OrderTypeStopMarket):
				if pos.StopLossOrderID == 0 {
					pos.StopLossOrderID = o.OrderID
				}
			}
		}
	}

	exitSide := pos.ExitSide()
	if pos.TakeProfitOrderID == 0 {
		tpNorm, err := c.rules.Normalize(ctx, pos.Symbol, pos.TakeProfitPrice, pos.Quantity)
		if err != nil {
			return err
		}
		id, err := c.gw.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          exitSide,
			Type:          futures.OrderTypeTakeProfitMarket,
			StopPrice:     tpNorm.FormatPrice(tpNorm.Price),
			ClosePosition: true,
		})
		if err != nil {
			c.commitProtection(pos)
			return fmt.Errorf("failed to attach take-profit: %w", err)
		}
		pos.TakeProfitOrderID = id
	}

	if pos.StopLossOrderID == 0 {
		slNorm, err := c.rules.Normalize(ctx, pos.Symbol, pos.StopLossPrice, pos.Quantity)
		if err != nil {
			return err
		}
		id, err := c.gw.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          exitSide,
			Type:          futures.OrderTypeStopMarket,
			StopPrice:     slNorm.FormatPrice(slNorm.Price),
			ClosePosition: true,
		})
		if err != nil {
			c.commitProtection(pos)
			return fmt.Errorf("failed to attach stop-loss: %w", err)
		}
		pos.StopLossOrderID = id
	}

	c.commitProtection(pos)
	return nil
}

// commitProtection writes back whichever protective ids were attached and
// recomputes the pending flag.
func (c *Controller) commitProtection(pos *models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil || c.pos.Symbol != pos.Symbol {
		return
	}
	c.pos.TakeProfitOrderID = pos.TakeProfitOrderID
	c.pos.StopLossOrderID = pos.StopLossOrderID
	c.pos.Pending = !c.pos.Protected()
}

// PollAndCloseIfHit is the per-tick position check: time-stop, protection
// repair, then closure detection. Venue position size reaching zero is the
// authoritative close signal; local price comparisons are never consulted.
func (c *Controller) PollAndCloseIfHit(ctx context.Context) (*CloseResult, error) {
	c.mu.Lock()
	if c.pos == nil || c.inFlight {
		c.mu.Unlock()
		return nil, nil
	}
	c.inFlight = true
	pos := *c.pos
	c.mu.Unlock()
	defer c.end()

	if !pos.Filled {
		return nil, c.resolveEntry(ctx, pos)
	}

	if c.cfg.MaxHold > 0 && c.now().Sub(pos.OpenedAt) > c.cfg.MaxHold {
		return c.closeNow(ctx, models.TradeReasonTimeStop)
	}

	if !pos.Protected() {
		if err := c.attachProtection(ctx); err != nil {
			// Still unprotected; the closure check below matters even more.
			c.log.Errorw("protection repair failed", "symbol", pos.Symbol, "error", err)
		} else {
			c.log.Infow("protection repaired", "symbol", pos.Symbol)
		}
	}

	size, err := c.gw.PositionSize(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to poll position size for %s: %w", pos.Symbol, err)
	}
	if math.Abs(size) > dustEpsilon {
		return nil, nil
	}

	return c.finishClose(ctx, models.TradeReasonExternal)
}

// resolveEntry settles a slot whose entry fill was never confirmed. The venue
// decides: a non-zero position size promotes the slot to a live position and
// attaches protection; a dead entry order releases it without accounting,
// because no trade happened.
func (c *Controller) resolveEntry(ctx context.Context, pos models.Position) error {
	size, err := c.gw.PositionSize(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("failed to resolve unconfirmed entry for %s: %w", pos.Symbol, err)
	}

	if math.Abs(size) > dustEpsilon {
		entry := pos.EntryPrice
		if venueEntry, err := c.gw.EntryPrice(ctx, pos.Symbol); err == nil && venueEntry > 0 {
			entry = venueEntry
		}
		sl, tp := c.guard.ComputeBracket(entry, pos.Side)
		c.mu.Lock()
		if c.pos == nil {
			c.mu.Unlock()
			return nil
		}
		c.pos.Filled = true
		c.pos.EntryPrice = entry
		c.pos.StopLossPrice = sl
		c.pos.TakeProfitPrice = tp
		c.mu.Unlock()
		c.log.Warnw("unconfirmed entry resolved as filled", "symbol", pos.Symbol, "entry", entry)

		if err := c.attachProtection(ctx); err != nil {
			return fmt.Errorf("position %s open but protective orders not attached: %w", pos.Symbol, err)
		}
		return nil
	}

	q, err := c.gw.QueryOrder(ctx, pos.Symbol, pos.EntryOrderID)
	if err != nil {
		return fmt.Errorf("failed to resolve unconfirmed entry for %s: %w", pos.Symbol, err)
	}
	switch q.Status {
	case "FILLED":
		// Filled and flat again: closed externally before confirmation caught
		// up. Route through the normal accounting path.
		c.mu.Lock()
		if c.pos != nil {
			c.pos.Filled = true
			if q.AvgPrice > 0 {
				c.pos.EntryPrice = q.AvgPrice
			}
		}
		c.mu.Unlock()
		_, err := c.finishClose(ctx, models.TradeReasonExternal)
		return err
	case "CANCELED", "EXPIRED", "REJECTED":
		c.clearPosition()
		c.log.Infow("unconfirmed entry resolved as dead", "symbol", pos.Symbol)
		return nil
	}

	// Still resting: cancel once the confirmation window has passed.
	if c.now().Sub(pos.OpenedAt) >= c.cfg.OrderTimeout {
		if err := c.gw.CancelOrder(ctx, pos.Symbol, pos.EntryOrderID); err != nil {
			return fmt.Errorf("failed to cancel unconfirmed entry for %s: %w", pos.Symbol, err)
		}
		c.clearPosition()
		c.log.Infow("unconfirmed entry cancelled", "symbol", pos.Symbol)
	}
	return nil
}

// SyncState reconciles local state against venue truth, both directions. A
// local position with a flat venue means an external close: it is still
// routed through the normal accounting path so the trade record is not lost.
// An empty local slot with a venue position on the last traded symbol is
// surfaced for the operator; it cannot be adopted because the entry price and
// bracket intent are unknown. While open, the venue's average entry price
// supersedes the local reference.
func (c *Controller) SyncState(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil
	}
	if c.pos == nil {
		last := c.lastSymbol
		c.mu.Unlock()
		return c.reportOrphan(ctx, last)
	}
	c.inFlight = true
	pos := *c.pos
	c.mu.Unlock()
	defer c.end()

	if !pos.Filled {
		return c.resolveEntry(ctx, pos)
	}

	size, err := c.gw.PositionSize(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if math.Abs(size) <= dustEpsilon {
		res, err := c.finishClose(ctx, models.TradeReasonExternal)
		if res != nil {
			c.log.Warnw("position closed externally, reconciled",
				"symbol", res.Symbol, "return_pct", res.ReturnPct)
		}
		return err
	}

	if venueEntry, err := c.gw.EntryPrice(ctx, pos.Symbol); err == nil && venueEntry > 0 {
		c.mu.Lock()
		if c.pos != nil && c.pos.EntryPrice != venueEntry {
			c.pos.EntryPrice = venueEntry
		}
		c.mu.Unlock()
	}
	return nil
}

// reportOrphan checks the last traded symbol for a venue position that has no
// local record.
func (c *Controller) reportOrphan(ctx context.Context, symbol string) error {
	if symbol == "" {
		return nil
	}
	size, err := c.gw.PositionSize(ctx, symbol)
	if err != nil {
		return err
	}
	if math.Abs(size) > dustEpsilon {
		c.log.Errorw("venue reports a position with no local record, manual intervention required",
			"symbol", symbol, "size", size)
	}
	return nil
}

// ForceClose exits immediately at market, approximating the exit with the
// last known price. Shares the in-flight guard with the main loop's paths.
func (c *Controller) ForceClose(ctx context.Context, reason string) (*CloseResult, error) {
	c.mu.Lock()
	if c.pos == nil {
		c.mu.Unlock()
		return nil, ErrNoPosition
	}
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.inFlight = true
	pos := *c.pos
	c.mu.Unlock()
	defer c.end()

	if !pos.Filled {
		if err := c.resolveEntry(ctx, pos); err != nil {
			return nil, err
		}
		cur := c.OpenPosition()
		if cur == nil {
			return nil, nil
		}
		if !cur.Filled {
			// The entry is still resting; there is no position to close yet,
			// so the exit is a plain cancel.
			if err := c.gw.CancelOrder(ctx, cur.Symbol, cur.EntryOrderID); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRetryClose, err)
			}
			c.clearPosition()
			return nil, nil
		}
	}

	return c.closeNow(ctx, reason)
}

// closeNow submits a reduce-only market close. A failed close is not
// terminal: if the venue already reads flat (a protective order beat us to
// it), the normal cleanup/record path proceeds; if it still reads open, the
// failure is retryable and the position stays intact.
func (c *Controller) closeNow(ctx context.Context, reason string) (*CloseResult, error) {
	pos := c.OpenPosition()
	if pos == nil {
		return nil, ErrNoPosition
	}

	norm, err := c.rules.Normalize(ctx, pos.Symbol, pos.EntryPrice, pos.Quantity)
	if err != nil {
		return nil, err
	}
	_, placeErr := c.gw.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.ExitSide(),
		Type:       futures.OrderTypeMarket,
		Quantity:   norm.FormatQuantity(pos.Quantity),
		ReduceOnly: true,
	})
	if placeErr != nil {
		size, qerr := c.gw.PositionSize(ctx, pos.Symbol)
		if qerr != nil {
			return nil, fmt.Errorf("close failed and size re-query failed: %v: %w", placeErr, qerr)
		}
		if math.Abs(size) > dustEpsilon {
			return nil, fmt.Errorf("%w: %v", ErrRetryClose, placeErr)
		}
		// Already flat: something else closed it first, proceed to accounting.
	}

	return c.finishClose(ctx, reason)
}

// finishClose runs the single close-accounting path every closure goes
// through: derive the exit price and reason, cancel the surviving protective
// order, account realized PnL, journal the trade, clear the slot.
func (c *Controller) finishClose(ctx context.Context, fallbackReason string) (*CloseResult, error) {
	pos := c.OpenPosition()
	if pos == nil {
		return nil, nil
	}

	exit, reason := c.resolveExit(ctx, pos, fallbackReason)

	// Cancel whichever protective order did not trigger.
	if err := c.gw.CancelAllOpenOrders(ctx, pos.Symbol); err != nil {
		c.log.Warnw("failed to cancel remaining orders on close",
			"symbol", pos.Symbol, "error", err)
	}

	pct := pos.ReturnPct(exit)
	c.guard.OnTradeClose(pct)
	c.recorder.RecordTrade(pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, exit, pct, reason)
	c.clearPosition()

	res := &CloseResult{
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Quantity:  pos.Quantity,
		Entry:     pos.EntryPrice,
		Exit:      exit,
		ReturnPct: pct,
		Reason:    reason,
	}
	c.log.Infow("position closed",
		"symbol", res.Symbol, "side", res.Side, "reason", res.Reason,
		"entry", res.Entry, "exit", res.Exit, "return_pct", res.ReturnPct)
	return res, nil
}

// resolveExit figures out what actually ended the position: a filled
// take-profit, a filled stop, or neither (forced/external), in which case
// the last known price stands in.
func (c *Controller) resolveExit(ctx context.Context, pos *models.Position, fallbackReason string) (float64, string) {
	if pos.TakeProfitOrderID != 0 {
		if q, err := c.gw.QueryOrder(ctx, pos.Symbol, pos.TakeProfitOrderID); err == nil && q.Status == "FILLED" {
			return orderExitPrice(q, pos.TakeProfitPrice), models.TradeReasonTakeProfit
		}
	}
	if pos.StopLossOrderID != 0 {
		if q, err := c.gw.QueryOrder(ctx, pos.Symbol, pos.StopLossOrderID); err == nil && q.Status == "FILLED" {
			return orderExitPrice(q, pos.StopLossPrice), models.TradeReasonStopLoss
		}
	}
	if p, err := c.GetBestPrice(ctx, pos.Symbol); err == nil && p > 0 {
		return p, fallbackReason
	}
	// No price available at all; the recorded trigger is the best estimate.
	return pos.EntryPrice, fallbackReason
}

func orderExitPrice(q binance.OrderStatus, trigger float64) float64 {
	if q.AvgPrice > 0 {
		return q.AvgPrice
	}
	if q.StopPrice > 0 {
		return q.StopPrice
	}
	return trigger
}

func (c *Controller) clearPosition() {
	c.mu.Lock()
	c.pos = nil
	c.mu.Unlock()
}

func (c *Controller) end() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}
