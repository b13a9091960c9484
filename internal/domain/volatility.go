package domain

import "time"

// AtrSnapshot is the cached daily volatility measure for one instrument.
type AtrSnapshot struct {
	Symbol       string    `json:"symbol"`
	ATR          float64   `json:"atr"`
	Day          string    `json:"day"` // UTC calendar day, YYYY-MM-DD
	CalculatedAt time.Time `json:"calculatedAt"`
}

// AtrCache maps instrument symbol to its latest snapshot.
type AtrCache map[string]AtrSnapshot

// VolatilityCandidate is an instrument flagged for pattern monitoring.
type VolatilityCandidate struct {
	Symbol        string
	ATR           float64
	Range         float64
	PreferredSide OrderSide
	Reference     Kline // The 15-minute kline that triggered the flag
}

// TradeIntent is a concrete entry signal emitted by the watcher.
type TradeIntent struct {
	Symbol string
	Side   OrderSide
	Entry  float64
	ATR    float64
	Signal SignalKind
}
