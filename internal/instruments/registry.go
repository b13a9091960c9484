// Package instruments provides a read-through cache of exchange quantization rules.
package instruments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
)

// Lister is the slice of the exchange client the registry needs.
type Lister interface {
	ListInstruments(ctx context.Context, quoteAsset string) ([]domain.InstrumentConstraints, error)
}

// Registry caches InstrumentConstraints for one quote asset. A lookup refreshes
// the whole table when it is older than TTL or the symbol is missing.
type Registry struct {
	lister     Lister
	quoteAsset string
	ttl        time.Duration
	logger     ports.Logger
	now        func() time.Time

	mu        sync.RWMutex
	bySymbol  map[string]domain.InstrumentConstraints
	symbols   []string
	fetchedAt time.Time
}

// NewRegistry creates an empty registry. The first lookup triggers a fetch.
func NewRegistry(lister Lister, quoteAsset string, ttl time.Duration, logger ports.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		lister:     lister,
		quoteAsset: quoteAsset,
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
		bySymbol:   make(map[string]domain.InstrumentConstraints),
	}
}

// Get returns the constraints for symbol, refreshing once on miss or staleness.
func (r *Registry) Get(ctx context.Context, symbol string) (domain.InstrumentConstraints, error) {
	r.mu.RLock()
	ic, ok := r.bySymbol[symbol]
	fresh := r.isFresh()
	r.mu.RUnlock()
	if ok && fresh {
		return ic, nil
	}

	if err := r.Refresh(ctx); err != nil {
		if ok {
			// Stale data beats no data when the exchange is unreachable.
			r.logger.Warn(ctx, "Instrument refresh failed, serving stale constraints", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			return ic, nil
		}
		return domain.InstrumentConstraints{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	ic, ok = r.bySymbol[symbol]
	if !ok {
		return domain.InstrumentConstraints{}, fmt.Errorf("%s: %w", symbol, ports.ErrInstrumentNotFound)
	}
	return ic, nil
}

// Symbols returns the tradable symbols, refreshing when stale.
func (r *Registry) Symbols(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	fresh := r.isFresh() && len(r.symbols) > 0
	r.mu.RUnlock()
	if !fresh {
		if err := r.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out, nil
}

// Refresh replaces the cached table with the exchange's current instrument list.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.lister.ListInstruments(ctx, r.quoteAsset)
	if err != nil {
		return fmt.Errorf("refresh instruments for %s: %w", r.quoteAsset, err)
	}

	bySymbol := make(map[string]domain.InstrumentConstraints, len(list))
	symbols := make([]string, 0, len(list))
	for _, ic := range list {
		bySymbol[ic.Symbol] = ic
		symbols = append(symbols, ic.Symbol)
	}

	r.mu.Lock()
	r.bySymbol = bySymbol
	r.symbols = symbols
	r.fetchedAt = r.now()
	r.mu.Unlock()

	r.logger.Debug(ctx, "Instrument constraints refreshed", map[string]interface{}{"quoteAsset": r.quoteAsset, "count": len(list)})
	return nil
}

// isFresh must be called with mu held.
func (r *Registry) isFresh() bool {
	return !r.fetchedAt.IsZero() && r.now().Sub(r.fetchedAt) < r.ttl
}
