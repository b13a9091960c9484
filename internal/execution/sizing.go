package execution

import (
	"math"

	"reversalBot/internal/domain"
	"reversalBot/internal/instruments"

	"github.com/shopspring/decimal"
)

// PositionSize is balance × fraction × leverage ÷ entry, floored to step.
func PositionSize(balance, fraction float64, leverage int, entry, step float64) float64 {
	if balance <= 0 || fraction <= 0 || leverage <= 0 || entry <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(balance).
		Mul(decimal.NewFromFloat(fraction)).
		Mul(decimal.NewFromInt(int64(leverage)))
	raw, _ := notional.Div(decimal.NewFromFloat(entry)).Float64()
	return instruments.FloorToStep(raw, step)
}

// ProtectiveStop picks the stop farther from entry out of the ATR offset and
// the balance-risk offset (balance × stopLossPct spread over quantity), rounded to tick.
func ProtectiveStop(side domain.OrderSide, entry, atr, balance, stopLossPct, quantity, tick float64) float64 {
	atrStop := entry - side.Sign()*atr
	stop := atrStop
	if quantity > 0 && balance > 0 && stopLossPct > 0 {
		riskPerUnit := balance * stopLossPct / quantity
		riskStop := entry - side.Sign()*riskPerUnit
		if side == domain.Buy {
			stop = math.Min(atrStop, riskStop)
		} else {
			stop = math.Max(atrStop, riskStop)
		}
	}
	stop = instruments.RoundToTick(stop, tick)
	if stop <= 0 {
		// A long stop must stay above zero: fall back to the ATR stop, then to one tick.
		stop = instruments.RoundToTick(atrStop, tick)
		if stop <= 0 {
			stop = tick
		}
	}
	return stop
}
