package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	IsFinal   bool      `json:"isFinal"` // Whether this kline is the final one for the interval
}

// Range is the high-low span of the kline.
func (k *Kline) Range() float64 {
	return k.High - k.Low
}

// Body is the absolute open-close span of the kline.
func (k *Kline) Body() float64 {
	if k.Close > k.Open {
		return k.Close - k.Open
	}
	return k.Open - k.Close
}

// IsBullish reports whether the kline closed above its open.
func (k *Kline) IsBullish() bool { return k.Close > k.Open }

// IsBearish reports whether the kline closed below its open.
func (k *Kline) IsBearish() bool { return k.Close < k.Open }
