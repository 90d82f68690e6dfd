package models

// DayState tracks realized performance for one calendar day.
// Halted is a one-way latch: once set it stays set until rollover.
type DayState struct {
	DateKey string
	PnlPct  float64
	Trades  int
	Halted  bool
}
