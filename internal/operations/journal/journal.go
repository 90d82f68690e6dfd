package journal

import (
	"time"

	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/repositories"

	"go.uber.org/zap"
)

// Recorder appends closed trades to the journal. Recording is fire-and-forget:
// a journal failure must never abort the close path, so errors are logged and
// swallowed here.
type Recorder struct {
	repo *repositories.TradeRepository
	log  *zap.SugaredLogger
}

func NewRecorder(repo *repositories.TradeRepository, log *zap.SugaredLogger) *Recorder {
	return &Recorder{repo: repo, log: log}
}

func (r *Recorder) RecordTrade(symbol, side string, qty, entry, exit, returnPct float64, reason string) {
	trade := &models.Trade{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entry,
		ExitPrice:  exit,
		ReturnPct:  returnPct,
		Reason:     reason,
		ClosedAt:   time.Now(),
	}
	if err := r.repo.Create(trade); err != nil {
		r.log.Errorw("failed to record trade", "symbol", symbol, "reason", reason, "error", err)
	}
}
