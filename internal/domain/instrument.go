package domain

// InstrumentConstraints holds exchange quantization rules for one instrument.
type InstrumentConstraints struct {
	Symbol      string
	QuoteAsset  string
	Status      string
	StepSize    float64 // Quantity step (MARKET_LOT_SIZE, falling back to LOT_SIZE)
	TickSize    float64 // Price tick (PRICE_FILTER)
	MinNotional float64 // Minimum quantity × price (MIN_NOTIONAL), 0 if absent
}

// OrderUpdate is an order event from the user-data stream.
type OrderUpdate struct {
	Symbol      string
	OrderID     int64
	Side        OrderSide
	Status      string
	AvgPrice    float64
	OrigQty     float64
	RealizedPnL float64
	ReduceOnly  bool
}
