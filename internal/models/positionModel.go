package models

import "time"

// Position is the single open-position slot owned by the bracket controller.
// It is in-memory state: the exchange holds the authoritative copy, and the
// controller reconciles against it every poll.
type Position struct {
	Symbol   string
	Side     string
	Quantity float64

	EntryPrice      float64
	StopLossPrice   float64
	TakeProfitPrice float64

	// Protective order ids; zero when the order has not been attached yet.
	EntryOrderID      int64
	StopLossOrderID   int64
	TakeProfitOrderID int64

	// Pending is true from entry submission until both protective orders
	// are confirmed attached.
	Pending bool

	// Filled is true once the venue confirmed the entry turned into a real
	// position. A slot can stay locked before that, while the fill outcome
	// is still unresolved.
	Filled bool

	OpenedAt time.Time
}

const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

// Protected reports whether both protective orders are attached.
func (p *Position) Protected() bool {
	return p != nil && p.StopLossOrderID != 0 && p.TakeProfitOrderID != 0
}

// ExitSide returns the order side that closes the position.
func (p *Position) ExitSide() string {
	if p.Side == PositionSideLong {
		return "SELL"
	}
	return "BUY"
}

// ReturnPct computes the realized return of closing at exitPrice,
// sign-flipped for shorts.
func (p *Position) ReturnPct(exitPrice float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (exitPrice - p.EntryPrice) / p.EntryPrice
	if p.Side == PositionSideShort {
		pct = -pct
	}
	return pct
}
