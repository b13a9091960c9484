package instruments

import (
	"github.com/shopspring/decimal"
)

// FloorToStep rounds value down to a multiple of step. A non-positive step leaves value unchanged.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	out, _ := decimal.NewFromFloat(value).Div(s).Floor().Mul(s).Float64()
	return out
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	out, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return out
}

// Precision is the number of decimal places implied by a step or tick size.
func Precision(increment float64) int32 {
	if increment <= 0 {
		return 8
	}
	exp := decimal.NewFromFloat(increment).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// Format renders value with exactly the precision of increment, as the exchange expects.
func Format(value, increment float64) string {
	return decimal.NewFromFloat(value).StringFixed(Precision(increment))
}

// Sub returns a-b without binary floating point drift.
func Sub(a, b float64) float64 {
	out, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Float64()
	return out
}

// Add returns a+b without binary floating point drift.
func Add(a, b float64) float64 {
	out, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Float64()
	return out
}
