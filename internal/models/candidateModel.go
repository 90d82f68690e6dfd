package models

// Candidate is an entry opportunity produced by the scan loop and consumed
// once by the trader. Never persisted.
type Candidate struct {
	Symbol         string
	ReferencePrice float64
	Side           string
	Reason         string
}

// TickerStat is one row of the 24h ticker ranking used for candidate scans.
type TickerStat struct {
	Symbol         string
	PriceChangePct float64
	LastPrice      float64
	Volume         float64
}
