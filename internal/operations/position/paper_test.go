package position

import (
	"context"
	"sync"
	"testing"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuoter struct {
	mu    sync.Mutex
	price float64
}

func (q *fakeQuoter) BestPrice(ctx context.Context, symbol string) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.price, nil
}

func (q *fakeQuoter) set(p float64) {
	q.mu.Lock()
	q.price = p
	q.mu.Unlock()
}

func newTestPaperTrader(t *testing.T, q *fakeQuoter, rec *fakeRecorder, mode string) *PaperTrader {
	t.Helper()
	cfg := config.ExecutionConfig{
		Mode:           mode,
		TradeMode:      config.TradeModePaper,
		PaperEquity:    10000,
		StopBufferPct:  0.001,
		LimitBufferPct: 0.0007,
	}
	return NewPaperTrader(q, nil, testRules(t), testGuard(t), rec, cfg, logger.Nop())
}

func TestPaperMarketEntryAndTakeProfit(t *testing.T) {
	q := &fakeQuoter{price: 100}
	rec := &fakeRecorder{}
	p := newTestPaperTrader(t, q, rec, config.EntryModeMarket)
	ctx := context.Background()

	err := p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideLong, 0.5, 100, 99.25, 101.5)
	require.NoError(t, err)

	pos := p.OpenPosition()
	require.NotNil(t, pos)
	assert.False(t, pos.Pending)
	assert.True(t, pos.Protected())

	// Between the brackets: nothing happens.
	q.set(100.7)
	res, err := p.PollAndCloseIfHit(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	q.set(101.6)
	res, err = p.PollAndCloseIfHit(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.TradeReasonTakeProfit, res.Reason)
	assert.InDelta(t, 101.5, res.Exit, 1e-9, "exit at the trigger, not the observed print")
	assert.False(t, p.HasOpenPosition())
	assert.Len(t, rec.trades, 1)
}

func TestPaperStopLossShort(t *testing.T) {
	q := &fakeQuoter{price: 100}
	rec := &fakeRecorder{}
	p := newTestPaperTrader(t, q, rec, config.EntryModeMarket)
	ctx := context.Background()

	require.NoError(t, p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideShort, 0.5, 100, 100.75, 98.5))

	q.set(100.9)
	res, err := p.PollAndCloseIfHit(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.TradeReasonStopLoss, res.Reason)
	assert.Less(t, res.ReturnPct, 0.0)
}

func TestPaperStopLimitArmsThenFills(t *testing.T) {
	q := &fakeQuoter{price: 100}
	rec := &fakeRecorder{}
	p := newTestPaperTrader(t, q, rec, config.EntryModeStopLimit)
	ctx := context.Background()

	require.NoError(t, p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideLong, 0.5, 100, 99.25, 101.5))
	pos := p.OpenPosition()
	require.NotNil(t, pos)
	assert.True(t, pos.Pending, "stop-limit entry waits for the trigger")

	// Price below the trigger: still armed.
	q.set(100.05)
	res, err := p.PollAndCloseIfHit(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.True(t, p.OpenPosition().Pending)

	// Trigger crossed: fills at the limit price, bracket recomputed.
	q.set(100.2)
	_, err = p.PollAndCloseIfHit(ctx)
	require.NoError(t, err)
	pos = p.OpenPosition()
	require.NotNil(t, pos)
	assert.False(t, pos.Pending)
	assert.InDelta(t, 100.1*1.0007, pos.EntryPrice, 1e-6)
	assert.Less(t, pos.StopLossPrice, pos.EntryPrice)
	assert.Greater(t, pos.TakeProfitPrice, pos.EntryPrice)
}

func TestPaperEquityCompounds(t *testing.T) {
	q := &fakeQuoter{price: 100}
	rec := &fakeRecorder{}
	p := newTestPaperTrader(t, q, rec, config.EntryModeMarket)
	ctx := context.Background()

	require.NoError(t, p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideLong, 0.5, 100, 99.25, 101.5))
	q.set(102)
	res, err := p.PollAndCloseIfHit(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)

	equity, err := p.GetBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000*(1+res.ReturnPct), equity, 1e-6)
}

func TestPaperForceCloseDisarmsPendingEntry(t *testing.T) {
	q := &fakeQuoter{price: 100}
	rec := &fakeRecorder{}
	p := newTestPaperTrader(t, q, rec, config.EntryModeStopLimit)
	ctx := context.Background()

	require.NoError(t, p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideLong, 0.5, 100, 99.25, 101.5))
	res, err := p.ForceClose(ctx, models.TradeReasonForced)
	require.NoError(t, err)
	assert.Nil(t, res, "an unfilled entry has nothing to account")
	assert.False(t, p.HasOpenPosition())
	assert.Empty(t, rec.trades)
}

func TestPaperSecondPositionRejected(t *testing.T) {
	q := &fakeQuoter{price: 100}
	p := newTestPaperTrader(t, q, &fakeRecorder{}, config.EntryModeMarket)
	ctx := context.Background()

	require.NoError(t, p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideLong, 0.5, 100, 99.25, 101.5))
	err := p.PlaceBracket(ctx, "ETHUSDT", models.PositionSideLong, 0.5, 100, 99.25, 101.5)
	assert.ErrorIs(t, err, ErrPositionOpen)
}
