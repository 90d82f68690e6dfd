package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/binance"

	"go.uber.org/zap"
)

// Signal is one predicate's decision for one symbol.
type Signal struct {
	OK     bool
	Side   string
	Entry  float64
	Reason string
}

func none(reason string) Signal {
	return Signal{Reason: reason}
}

// KlineSource supplies candle history for predicate evaluation.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// Config holds the predicate tunables. Defaults follow the live preset.
type Config struct {
	Interval      string // candle interval for the volume predicates
	Limit         int
	ScalpInterval string // candle interval for the scalp predicates

	HighLookback      int     // prior-high/low window, current bar excluded
	OverextendCap     float64 // max break distance past the level
	VolumeBaseWindow  int     // bars forming the volume baseline
	VolumeSpikeK      float64 // recent volume must exceed K x baseline median
	VolumeConfirmBars int     // bars summed on the recent side
	VolumeCooldown    float64 // one of the last two bars must cool below this fraction of the peak
	EMAFast           int
	EMASlow           int
	EMASlopeBars      int
	VWAPDistMax       float64 // max distance from session VWAP
	ZThreshold        float64 // mean-reversion trigger in standard deviations
	RetestBufferPct   float64 // how close price must return to the broken level
	RetestExpireBars  int     // ticks an armed breakdown stays valid
}

func DefaultConfig() Config {
	return Config{
		Interval:          "5m",
		Limit:             120,
		ScalpInterval:     "1m",
		HighLookback:      60,
		OverextendCap:     0.012,
		VolumeBaseWindow:  48,
		VolumeSpikeK:      1.5,
		VolumeConfirmBars: 3,
		VolumeCooldown:    0.80,
		EMAFast:           20,
		EMASlow:           50,
		EMASlopeBars:      50,
		VWAPDistMax:       0.01,
		ZThreshold:        1.0,
		RetestBufferPct:   0.001,
		RetestExpireBars:  6,
	}
}

// retestState tracks an armed breakdown waiting for price to revisit the
// broken level before entering.
type retestState struct {
	level float64
	ticks int
}

// Engine evaluates entry predicates over candle history. The breakdown
// predicate is stateful per symbol (arm on break, enter on retest); the rest
// are pure.
type Engine struct {
	source KlineSource
	cfg    Config
	log    *zap.SugaredLogger

	mu    sync.Mutex
	armed map[string]*retestState
}

func NewEngine(source KlineSource, cfg Config, log *zap.SugaredLogger) *Engine {
	return &Engine{
		source: source,
		cfg:    cfg,
		log:    log,
		armed:  make(map[string]*retestState),
	}
}

// EvaluateLong tries the long predicates in priority order and returns the
// first hit.
func (e *Engine) EvaluateLong(ctx context.Context, symbol string) Signal {
	if s := e.VolumeBreakout(ctx, symbol); s.OK {
		return s
	}
	if s := e.ScalpBreakout(ctx, symbol); s.OK && s.Side == models.PositionSideLong {
		return s
	}
	if s := e.ScalpVWAP(ctx, symbol); s.OK && s.Side == models.PositionSideLong {
		return s
	}
	return none("no-long-signal")
}

// EvaluateShort tries the short predicates in priority order.
func (e *Engine) EvaluateShort(ctx context.Context, symbol string) Signal {
	if s := e.VolumeBreakdown(ctx, symbol); s.OK {
		return s
	}
	if s := e.ScalpBreakout(ctx, symbol); s.OK && s.Side == models.PositionSideShort {
		return s
	}
	if s := e.ScalpVWAP(ctx, symbol); s.OK && s.Side == models.PositionSideShort {
		return s
	}
	return none("no-short-signal")
}

// VolumeBreakout: close above the prior high with a confirmed volume spike
// and a bullish EMA structure. The overextension cap rejects entries that
// already ran too far past the level.
func (e *Engine) VolumeBreakout(ctx context.Context, symbol string) Signal {
	closes, highs, _, vols, err := e.series(ctx, symbol, e.cfg.Interval, e.cfg.Limit)
	if err != nil {
		return none("kline-error")
	}
	min := maxInt(e.cfg.HighLookback, e.cfg.VolumeBaseWindow) + e.cfg.VolumeConfirmBars + 2
	if len(closes) < min {
		return none("insufficient-bars")
	}

	last := closes[len(closes)-1]
	prevHigh := maxOf(highs[len(highs)-1-e.cfg.HighLookback : len(highs)-1])
	if last <= prevHigh {
		return none("no-break")
	}
	if (last-prevHigh)/prevHigh > e.cfg.OverextendCap {
		return none("overextended")
	}

	if !e.volumeSpike(vols) {
		return none("no-volume-spike")
	}

	fast, okF := ema(closes, e.cfg.EMAFast)
	slow, okS := ema(closes, e.cfg.EMASlow)
	if !okF || !okS || fast <= slow {
		return none("bearish-structure")
	}

	return Signal{OK: true, Side: models.PositionSideLong, Entry: last, Reason: "volume-breakout"}
}

// VolumeBreakdown is two-phase: a qualifying break below the prior low arms
// the symbol, and entry happens only when price retests the broken level
// within the expiry window. Chasing the initial flush is the failure mode
// this avoids.
func (e *Engine) VolumeBreakdown(ctx context.Context, symbol string) Signal {
	closes, _, lows, vols, err := e.series(ctx, symbol, e.cfg.Interval, e.cfg.Limit)
	if err != nil {
		return none("kline-error")
	}
	min := maxInt(e.cfg.HighLookback, e.cfg.VolumeBaseWindow) + e.cfg.VolumeConfirmBars + 2
	if len(closes) < min {
		return none("insufficient-bars")
	}

	last := closes[len(closes)-1]
	prevLow := minOf(lows[len(lows)-1-e.cfg.HighLookback : len(lows)-1])

	e.mu.Lock()
	st := e.armed[symbol]
	e.mu.Unlock()

	if st != nil {
		return e.checkRetest(symbol, st, last)
	}

	if last >= prevLow {
		return none("no-break")
	}
	vw := vwap(closes, vols, len(closes))
	if pctDist(last, vw) > e.cfg.VWAPDistMax || pctDist(last, vw) > e.cfg.OverextendCap {
		return none("overextended")
	}
	if !e.volumeSpike(vols) {
		return none("no-volume-spike")
	}
	if !e.volumeCooled(vols) {
		return none("volume-still-hot")
	}
	fast, okF := ema(closes, e.cfg.EMAFast)
	slow, okS := ema(closes, e.cfg.EMASlow)
	if !okF || !okS || fast >= slow {
		return none("bullish-structure")
	}
	if emaSlope(closes, e.cfg.EMASlopeBars) >= 0 {
		return none("slope-up")
	}
	if fatigueExhausted(closes, 4, 2, 0.015) {
		return none("move-exhausted")
	}

	// Qualifying break: arm and wait for the retest.
	e.mu.Lock()
	e.armed[symbol] = &retestState{level: prevLow}
	e.mu.Unlock()
	e.log.Debugw("breakdown armed", "symbol", symbol, "level", prevLow)
	return none("armed-awaiting-retest")
}

func (e *Engine) checkRetest(symbol string, st *retestState, last float64) Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	st.ticks++
	if st.ticks > e.cfg.RetestExpireBars {
		delete(e.armed, symbol)
		return none("retest-expired")
	}
	if math.Abs(last-st.level)/math.Max(last, 1e-9) <= e.cfg.RetestBufferPct {
		delete(e.armed, symbol)
		return Signal{OK: true, Side: models.PositionSideShort, Entry: last,
			Reason: fmt.Sprintf("volume-breakdown-retest@%.6g", st.level)}
	}
	return none("awaiting-retest")
}

// ScalpBreakout: immediate 20-bar high/low break on the fast timeframe, no
// retest required, capped by distance from VWAP.
func (e *Engine) ScalpBreakout(ctx context.Context, symbol string) Signal {
	closes, highs, lows, vols, err := e.series(ctx, symbol, e.cfg.ScalpInterval, 40)
	if err != nil {
		return none("kline-error")
	}
	if len(closes) < 25 {
		return none("insufficient-bars")
	}

	last := closes[len(closes)-1]
	prevHigh := maxOf(highs[len(highs)-21 : len(highs)-1])
	prevLow := minOf(lows[len(lows)-21 : len(lows)-1])

	vw := vwap(closes, vols, 21)
	if vw > 0 && math.Abs(last-vw)/vw > e.cfg.VWAPDistMax {
		return none("overextended-vwap")
	}

	if last >= prevHigh {
		return Signal{OK: true, Side: models.PositionSideLong, Entry: last, Reason: "scalp-breakout-long"}
	}
	if last <= prevLow {
		return Signal{OK: true, Side: models.PositionSideShort, Entry: last, Reason: "scalp-breakout-short"}
	}
	return none("no-breakout")
}

// ScalpVWAP: mean reversion on the fast timeframe. A close more than
// ZThreshold standard deviations from the 21-bar mean enters against the
// stretch.
func (e *Engine) ScalpVWAP(ctx context.Context, symbol string) Signal {
	closes, _, _, vols, err := e.series(ctx, symbol, e.cfg.ScalpInterval, 40)
	if err != nil {
		return none("kline-error")
	}
	if len(closes) < 25 {
		return none("insufficient-bars")
	}

	last := closes[len(closes)-1]
	if vwap(closes, vols, 21) <= 0 {
		return none("no-vwap")
	}
	z, ok := zscore(closes[len(closes)-21:])
	if !ok {
		return none("no-z")
	}

	switch {
	case z <= -e.cfg.ZThreshold:
		return Signal{OK: true, Side: models.PositionSideLong, Entry: last,
			Reason: fmt.Sprintf("vwap-meanrev-long z=%.2f", z)}
	case z >= e.cfg.ZThreshold:
		return Signal{OK: true, Side: models.PositionSideShort, Entry: last,
			Reason: fmt.Sprintf("vwap-meanrev-short z=%.2f", z)}
	}
	return none("no-signal")
}

func (e *Engine) series(ctx context.Context, symbol, interval string, limit int) (closes, highs, lows, vols []float64, err error) {
	ks, err := e.source.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closes = make([]float64, len(ks))
	highs = make([]float64, len(ks))
	lows = make([]float64, len(ks))
	vols = make([]float64, len(ks))
	for i, k := range ks {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		vols[i] = k.Volume
	}
	return closes, highs, lows, vols, nil
}

// volumeSpike: the confirm-window volume sum must exceed K times what the
// baseline median projects over the same number of bars.
func (e *Engine) volumeSpike(vols []float64) bool {
	n := len(vols)
	base := vols[n-e.cfg.VolumeBaseWindow-e.cfg.VolumeConfirmBars : n-e.cfg.VolumeConfirmBars]
	med := median(base)
	recent := sum(vols[n-e.cfg.VolumeConfirmBars:])
	return recent >= e.cfg.VolumeSpikeK*med*float64(e.cfg.VolumeConfirmBars)
}

// volumeCooled: at least one of the last two bars has come off the peak,
// showing the flush is spending itself.
func (e *Engine) volumeCooled(vols []float64) bool {
	n := len(vols)
	if n < 2 {
		return true
	}
	peak := math.Max(vols[n-2], vols[n-1])
	return vols[n-1] <= e.cfg.VolumeCooldown*peak || vols[n-2] <= e.cfg.VolumeCooldown*peak
}
