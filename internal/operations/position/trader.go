package position

import (
	"context"
	"errors"

	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/binance"
)

var (
	// ErrPositionOpen: the single open-position slot is taken.
	ErrPositionOpen = errors.New("a position is already open")
	// ErrBusy: another order operation is in flight; fail fast, never race.
	ErrBusy = errors.New("order operation already in progress")
	// ErrZeroQuantity: the candidate's size normalized to zero; skip it.
	ErrZeroQuantity = errors.New("normalized quantity is zero")
	// ErrRetryClose: the close genuinely failed and should be retried next tick.
	ErrRetryClose = errors.New("close failed, position still open")
	// ErrNoPosition: nothing to close.
	ErrNoPosition = errors.New("no open position")
	// ErrEntryNotFilled: entry order was not filled within the timeout and was
	// cancelled; no position state survives.
	ErrEntryNotFilled = errors.New("entry order not filled within timeout")
	// ErrSlippageCap: the market moved beyond the slippage cap before the
	// taker fallback could be sent; the entry is abandoned.
	ErrSlippageCap = errors.New("price moved beyond slippage cap, fallback rejected")
)

// Trader is the execution contract the scan loop drives. Live and paper
// implementations satisfy it; the choice is made once at startup.
type Trader interface {
	HasOpenPosition() bool
	OpenPosition() *models.Position
	GetBestPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context) (float64, error)
	PlaceBracket(ctx context.Context, symbol, side string, qty, entryRef, stopLoss, takeProfit float64) error
	PollAndCloseIfHit(ctx context.Context) (*CloseResult, error)
	SyncState(ctx context.Context) error
	ForceClose(ctx context.Context, reason string) (*CloseResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
}

// CloseResult describes one completed round-trip.
type CloseResult struct {
	Symbol    string
	Side      string
	Quantity  float64
	Entry     float64
	Exit      float64
	ReturnPct float64
	Reason    string
}

// Gateway is the slice of the exchange client the controller needs.
type Gateway interface {
	PlaceOrder(ctx context.Context, req binance.OrderRequest) (int64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	QueryOrder(ctx context.Context, symbol string, orderID int64) (binance.OrderStatus, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]binance.OrderStatus, error)
	PositionSize(ctx context.Context, symbol string) (float64, error)
	EntryPrice(ctx context.Context, symbol string) (float64, error)
	Balance(ctx context.Context) (float64, error)
	BestPrice(ctx context.Context, symbol string) (float64, error)
}

// RiskGuard is the slice of the risk service the trader calls on close and
// when recomputing brackets from actual fills.
type RiskGuard interface {
	OnTradeClose(returnPct float64)
	ComputeBracket(entry float64, side string) (stopLoss, takeProfit float64)
}

// TradeRecorder journals closed trades. Implementations must swallow their
// own failures; the close path never aborts on a recording error.
type TradeRecorder interface {
	RecordTrade(symbol, side string, qty, entry, exit, returnPct float64, reason string)
}

// computeStopLimit derives the entry trigger and limit prices from a
// reference price, shared by the live stop-limit path and the paper fill
// model. The limit sits beyond the trigger so the order still fills after a
// small gap through it.
func computeStopLimit(ref float64, bullish bool, stopBuf, limitBuf float64) (stop, limit float64) {
	if bullish {
		stop = ref * (1 + stopBuf)
		limit = stop * (1 + limitBuf)
		return stop, limit
	}
	stop = ref * (1 - stopBuf)
	limit = stop * (1 - limitBuf)
	return stop, limit
}
