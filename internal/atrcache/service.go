// Package atrcache computes and caches the daily ATR of every tradable instrument.
package atrcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
	"reversalBot/internal/strategy/indicators"

	"golang.org/x/sync/errgroup"
)

// DocumentKey is the store key of the persisted AtrCache.
const DocumentKey = "atr-cache"

const dailyInterval = "1d"

// KlineSource fetches recent klines.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)
}

// SymbolSource lists the tradable instruments.
type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// Config tunes the refresh job.
type Config struct {
	Period      int
	Concurrency int
}

// Service refreshes and serves the ATR cache document.
type Service struct {
	klines  KlineSource
	symbols SymbolSource
	store   ports.DocumentStore
	logger  ports.Logger
	atr     indicators.Indicator
	period  int
	limit   int
	now     func() time.Time
}

// NewService creates an ATR cache service.
func NewService(klines KlineSource, symbols SymbolSource, store ports.DocumentStore, logger ports.Logger, cfg Config) *Service {
	if cfg.Period <= 0 {
		cfg.Period = indicators.DefaultATRPeriod
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Service{
		klines:  klines,
		symbols: symbols,
		store:   store,
		logger:  logger,
		atr:     indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.Period}}),
		period:  cfg.Period,
		limit:   cfg.Concurrency,
		now:     time.Now,
	}
}

// Refresh recomputes the ATR of every instrument and persists the result.
// Instruments that fail or have too little history are left out.
func (s *Service) Refresh(ctx context.Context) (domain.AtrCache, error) {
	op := "RefreshATR"
	symbols, err := s.symbols.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	day := domain.UTCDay(now)
	s.logger.Info(ctx, op+": refreshing ATR cache", map[string]interface{}{"count": len(symbols), "period": s.period})

	var mu sync.Mutex
	cache := make(domain.AtrCache, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			value, ok := s.compute(gctx, symbol)
			if !ok {
				return nil
			}
			mu.Lock()
			cache[symbol] = domain.AtrSnapshot{Symbol: symbol, ATR: value, Day: day, CalculatedAt: now}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.store.WriteJSON(ctx, DocumentKey, cache); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info(ctx, op+": ATR cache refreshed", map[string]interface{}{"count": len(cache), "day": day})
	return cache, nil
}

func (s *Service) compute(ctx context.Context, symbol string) (float64, bool) {
	klines, err := s.klines.GetKlines(ctx, symbol, dailyInterval, s.period+2)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to fetch daily klines for ATR", map[string]interface{}{"symbol": symbol})
		return 0, false
	}
	if len(klines) < s.atr.RequiredDataPoints() {
		s.logger.Debug(ctx, "Not enough daily history for ATR", map[string]interface{}{"symbol": symbol, "klines": len(klines)})
		return 0, false
	}
	value, err := s.atr.Calculate(ctx, klines)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate ATR", map[string]interface{}{"symbol": symbol})
		return 0, false
	}
	return value, true
}

// Load returns the persisted cache, empty when none exists.
func (s *Service) Load(ctx context.Context) (domain.AtrCache, error) {
	cache := domain.AtrCache{}
	if _, err := s.store.ReadJSON(ctx, DocumentKey, &cache); err != nil {
		return nil, fmt.Errorf("load ATR cache: %w", err)
	}
	return cache, nil
}

// LoadOrRefresh returns the persisted cache when it is non-empty and from today,
// otherwise refreshes it.
func (s *Service) LoadOrRefresh(ctx context.Context) (domain.AtrCache, error) {
	cache, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if IsCurrent(cache, s.now()) {
		return cache, nil
	}
	s.logger.Info(ctx, "ATR cache empty or stale, refreshing")
	return s.Refresh(ctx)
}

// IsCurrent reports whether cache is non-empty and every snapshot is from the UTC day of now.
func IsCurrent(cache domain.AtrCache, now time.Time) bool {
	if len(cache) == 0 {
		return false
	}
	today := domain.UTCDay(now)
	for _, snap := range cache {
		if snap.Day != today {
			return false
		}
	}
	return true
}
