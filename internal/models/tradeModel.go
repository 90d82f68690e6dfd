package models

import "time"

// Trade is one closed round-trip, appended to the journal on position close.
type Trade struct {
	ID         uint    `gorm:"primaryKey"`
	Symbol     string  `gorm:"index;not null"`
	Side       string  `gorm:"not null"`
	Quantity   float64 `gorm:"type:decimal(20,8);not null"`
	EntryPrice float64 `gorm:"type:decimal(20,8);not null"`
	ExitPrice  float64 `gorm:"type:decimal(20,8);not null"`
	ReturnPct  float64 `gorm:"type:decimal(20,8)"`
	Reason     string  `gorm:"not null"`

	ClosedAt  time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

const (
	TradeReasonTakeProfit = "TP"
	TradeReasonStopLoss   = "SL"
	TradeReasonTimeStop   = "time_stop"
	TradeReasonForced     = "forced"
	TradeReasonExternal   = "external"
)

// TableName sets the table name for Trade model
func (Trade) TableName() string {
	return "trades"
}
