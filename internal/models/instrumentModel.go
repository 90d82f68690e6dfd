package models

// InstrumentRule holds the per-symbol trading filters fetched from exchange
// metadata. Loaded at startup, refreshed on lookup miss, never mutated
// outside refresh.
type InstrumentRule struct {
	Symbol            string
	PriceTick         float64
	QuantityStep      float64
	PricePrecision    int
	QuantityPrecision int
	MinPrice          float64
	MaxPrice          float64
	MinQty            float64
	MaxQty            float64
	MinNotional       float64
}
