package indicators

import (
	"context"
	"fmt"
	"math"

	"reversalBot/internal/domain"
)

// DefaultATRPeriod is the lookback used when none is configured.
const DefaultATRPeriod = 14

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
}

// ATR implements the Average True Range indicator as the plain mean of the
// last Period true ranges.
type ATR struct {
	config ATRConfig
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) *ATR {
	if config.Period <= 0 {
		config.Period = DefaultATRPeriod
	}
	return &ATR{config: config}
}

// TrueRange is the greatest of high-low, |high-prevClose| and |low-prevClose|.
func TrueRange(cur, prev *domain.Kline) float64 {
	tr := cur.High - cur.Low
	if prev == nil {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// Calculate computes the Average True Range value for the given klines.
// Klines must be in ascending time order; only the trailing Period+1 are used.
func (a *ATR) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	period := a.config.Period
	if len(klines) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", period+1, len(klines))
	}

	window := klines[len(klines)-period-1:]
	sum := 0.0
	for i := 1; i < len(window); i++ {
		sum += TrueRange(window[i], window[i-1])
	}
	return sum / float64(period), nil
}

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (a *ATR) RequiredDataPoints() int {
	return a.config.Period + 1
}

// Name returns the name of the indicator
func (a *ATR) Name() string {
	return fmt.Sprintf("ATR(%d)", a.config.Period)
}
