// Package scanner selects instruments whose first 15-minute bar of the UTC day
// moved abnormally relative to their daily ATR.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"

	"golang.org/x/sync/errgroup"
)

const (
	referenceInterval = "15m"
	referenceLength   = 15 * time.Minute

	DefaultRangeFraction = 0.25
	DefaultConcurrency   = 5
)

// KlineSource fetches klines starting at a given time.
type KlineSource interface {
	GetKlinesSince(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*domain.Kline, error)
}

// Gate reports instruments that must not be traded again today.
type Gate interface {
	IsTraded(ctx context.Context, symbol string) (bool, error)
}

// Config tunes the scan.
type Config struct {
	RangeFraction float64
	Concurrency   int
}

// Scanner produces VolatilityCandidates from an ATR cache.
type Scanner struct {
	klines  KlineSource
	gate    Gate
	logger  ports.Logger
	metrics ports.Metrics
	cfg     Config
	now     func() time.Time
}

// New creates a scanner.
func New(klines KlineSource, gate Gate, logger ports.Logger, metrics ports.Metrics, cfg Config) *Scanner {
	if cfg.RangeFraction <= 0 {
		cfg.RangeFraction = DefaultRangeFraction
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Scanner{
		klines:  klines,
		gate:    gate,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Scan returns the accepted candidates sorted by observed range, largest first.
// A failure on one instrument drops that instrument only.
func (s *Scanner) Scan(ctx context.Context, cache domain.AtrCache) ([]domain.VolatilityCandidate, error) {
	op := "Scan"
	if len(cache) == 0 {
		s.logger.Info(ctx, op+": ATR cache is empty, nothing to scan")
		return nil, nil
	}

	now := s.now()
	dayStart := domain.UTCDayStart(now)

	var mu sync.Mutex
	candidates := make([]domain.VolatilityCandidate, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for symbol, snap := range cache {
		symbol, snap := symbol, snap
		g.Go(func() error {
			c, ok := s.scanOne(gctx, symbol, snap, dayStart, now)
			if ok {
				mu.Lock()
				candidates = append(candidates, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Range == candidates[j].Range {
			return candidates[i].Symbol < candidates[j].Symbol
		}
		return candidates[i].Range > candidates[j].Range
	})

	s.metrics.RecordCandidates(len(candidates))
	s.logger.Info(ctx, op+": scan complete", map[string]interface{}{"scanned": len(cache), "candidates": len(candidates)})
	return candidates, nil
}

func (s *Scanner) scanOne(ctx context.Context, symbol string, snap domain.AtrSnapshot, dayStart, now time.Time) (domain.VolatilityCandidate, bool) {
	fields := map[string]interface{}{"symbol": symbol}

	traded, err := s.gate.IsTraded(ctx, symbol)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to read trade cycle", fields)
		return domain.VolatilityCandidate{}, false
	}
	if traded {
		s.logger.Info(ctx, "Skipping candidate already traded this cycle", fields)
		return domain.VolatilityCandidate{}, false
	}

	klines, err := s.klines.GetKlinesSince(ctx, symbol, referenceInterval, dayStart, 1)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to scan volatility", fields)
		return domain.VolatilityCandidate{}, false
	}
	if len(klines) == 0 || klines[0] == nil {
		return domain.VolatilityCandidate{}, false
	}

	c, reason := Evaluate(symbol, snap.ATR, klines[0], dayStart, now, s.cfg.RangeFraction)
	if reason != "" {
		s.logger.Debug(ctx, "Candidate rejected", map[string]interface{}{"symbol": symbol, "reason": reason})
		return domain.VolatilityCandidate{}, false
	}
	return c, true
}

// Evaluate applies the candidate rules to the first 15m kline of the day.
// It returns a non-empty rejection reason when the kline does not qualify.
func Evaluate(symbol string, atr float64, k *domain.Kline, dayStart, now time.Time, fraction float64) (domain.VolatilityCandidate, string) {
	if !k.OpenTime.Equal(dayStart) {
		return domain.VolatilityCandidate{}, "not aligned to day start"
	}
	if now.Before(dayStart.Add(referenceLength)) {
		return domain.VolatilityCandidate{}, "reference kline not closed"
	}
	if k.Close == k.Open {
		return domain.VolatilityCandidate{}, "flat reference kline"
	}
	rng := k.Range()
	if rng <= atr*fraction {
		return domain.VolatilityCandidate{}, "range below threshold"
	}

	side := domain.Buy
	if k.IsBullish() {
		side = domain.Sell
	}
	return domain.VolatilityCandidate{
		Symbol:        symbol,
		ATR:           atr,
		Range:         rng,
		PreferredSide: side,
		Reference:     *k,
	}, ""
}
