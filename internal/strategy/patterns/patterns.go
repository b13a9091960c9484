// Package patterns classifies short candle sequences into reversal signals.
// Every detector is pure and total: degenerate candles yield no signal.
package patterns

import (
	"math"

	"reversalBot/internal/domain"
)

const (
	hammerMaxBodyShare   = 1.0 / 3.0
	hammerWickMultiplier = 2.0
	hammerOppositeWick   = 0.6
)

// DetectEngulfing inspects the last two klines. A bearish kline followed by a
// bullish one whose body contains it is bullish engulfing, and vice versa.
func DetectEngulfing(klines []*domain.Kline) (domain.SignalKind, bool) {
	if len(klines) < 2 {
		return "", false
	}
	prev, cur := klines[len(klines)-2], klines[len(klines)-1]
	if prev == nil || cur == nil {
		return "", false
	}

	prevTop, prevBottom := bodyBounds(prev)
	curTop, curBottom := bodyBounds(cur)
	engulfs := curTop >= prevTop && curBottom <= prevBottom

	switch {
	case prev.IsBearish() && cur.IsBullish() && engulfs:
		return domain.SignalBullishEngulfing, true
	case prev.IsBullish() && cur.IsBearish() && engulfs:
		return domain.SignalBearishEngulfing, true
	}
	return "", false
}

// DetectHammer inspects the last kline. A small body with a long lower wick and
// a short upper wick is a bullish hammer; the mirror image is bearish.
func DetectHammer(klines []*domain.Kline) (domain.SignalKind, bool) {
	if len(klines) == 0 {
		return "", false
	}
	k := klines[len(klines)-1]
	if k == nil {
		return "", false
	}

	rng := k.Range()
	body := k.Body()
	if rng <= 0 || body <= 0 {
		return "", false
	}
	if body/rng >= hammerMaxBodyShare {
		return "", false
	}

	top, bottom := bodyBounds(k)
	upper := k.High - top
	lower := bottom - k.Low

	switch {
	case lower >= hammerWickMultiplier*body && upper <= hammerOppositeWick*body:
		return domain.SignalBullishHammer, true
	case upper >= hammerWickMultiplier*body && lower <= hammerOppositeWick*body:
		return domain.SignalBearishHammer, true
	}
	return "", false
}

// Detect runs engulfing first and falls back to hammer.
func Detect(klines []*domain.Kline) (domain.SignalKind, bool) {
	if kind, ok := DetectEngulfing(klines); ok {
		return kind, true
	}
	return DetectHammer(klines)
}

func bodyBounds(k *domain.Kline) (top, bottom float64) {
	return math.Max(k.Open, k.Close), math.Min(k.Open, k.Close)
}
