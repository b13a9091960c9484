package domain

import "time"

// DayLayout is the calendar-day key format used by the cycle ledger and ATR cache.
const DayLayout = "2006-01-02"

// UTCDay returns the UTC calendar day of t.
func UTCDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// UTCDayStart returns midnight UTC of the day containing t.
func UTCDayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// TradeCycleState is the per-UTC-day set of already traded instruments.
type TradeCycleState struct {
	Day           string   `json:"day"`
	TradedSymbols []string `json:"tradedSymbols"`
}

// Has reports whether symbol was traded in this cycle.
func (c *TradeCycleState) Has(symbol string) bool {
	for _, s := range c.TradedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
