// Package cycle tracks which instruments have been traded in the current UTC day.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
)

// DocumentKey is the store key of the persisted TradeCycleState.
const DocumentKey = "trade-cycle"

// Ledger is the per-day trade gate shared by the scanner and the execution engine.
// Every method holds one mutex, so TryAcquire is an atomic check-and-mark.
type Ledger struct {
	store  ports.DocumentStore
	logger ports.Logger
	now    func() time.Time

	mu       sync.Mutex
	loaded   bool
	state    domain.TradeCycleState
	inFlight map[string]struct{}
}

// NewLedger creates a ledger backed by store.
func NewLedger(store ports.DocumentStore, logger ports.Logger) *Ledger {
	return &Ledger{
		store:    store,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// sync loads the persisted state once and rolls it over on a new UTC day. mu must be held.
func (l *Ledger) sync(ctx context.Context) error {
	today := domain.UTCDay(l.now())

	if !l.loaded {
		state := domain.TradeCycleState{Day: today, TradedSymbols: []string{}}
		if _, err := l.store.ReadJSON(ctx, DocumentKey, &state); err != nil {
			return fmt.Errorf("load trade cycle: %w", err)
		}
		l.state = state
		l.loaded = true
	}

	if l.state.Day == today {
		return nil
	}

	previous := l.state.Day
	l.state = domain.TradeCycleState{Day: today, TradedSymbols: []string{}}
	l.inFlight = make(map[string]struct{})
	if err := l.store.WriteJSON(ctx, DocumentKey, l.state); err != nil {
		return fmt.Errorf("reset trade cycle: %w", err)
	}
	l.logger.Info(ctx, "Reset trade cycle", map[string]interface{}{"previousDay": previous, "day": today})
	return nil
}

// Current returns a copy of today's state.
func (l *Ledger) Current(ctx context.Context) (domain.TradeCycleState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sync(ctx); err != nil {
		return domain.TradeCycleState{}, err
	}
	out := domain.TradeCycleState{Day: l.state.Day, TradedSymbols: make([]string, len(l.state.TradedSymbols))}
	copy(out.TradedSymbols, l.state.TradedSymbols)
	return out, nil
}

// IsTraded reports whether symbol is traded today or has an execution in flight.
func (l *Ledger) IsTraded(ctx context.Context, symbol string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sync(ctx); err != nil {
		return false, err
	}
	_, busy := l.inFlight[symbol]
	return busy || l.state.Has(symbol), nil
}

// TryAcquire reserves symbol for one execution. It fails with ports.ErrAlreadyTraded
// when the symbol is traded today or already reserved.
func (l *Ledger) TryAcquire(ctx context.Context, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sync(ctx); err != nil {
		return err
	}
	if _, busy := l.inFlight[symbol]; busy || l.state.Has(symbol) {
		return fmt.Errorf("%s on %s: %w", symbol, l.state.Day, ports.ErrAlreadyTraded)
	}
	l.inFlight[symbol] = struct{}{}
	return nil
}

// Commit turns a reservation into a persisted traded mark. The in-memory mark
// survives a failed write so the symbol cannot trade twice in this process.
func (l *Ledger) Commit(ctx context.Context, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sync(ctx); err != nil {
		return err
	}
	delete(l.inFlight, symbol)
	if l.state.Has(symbol) {
		return nil
	}
	l.state.TradedSymbols = append(l.state.TradedSymbols, symbol)
	if err := l.store.WriteJSON(ctx, DocumentKey, l.state); err != nil {
		return fmt.Errorf("persist trade cycle: %w", err)
	}
	l.logger.Info(ctx, "Marked symbol as traded", map[string]interface{}{"symbol": symbol, "day": l.state.Day})
	return nil
}

// Release drops a reservation without marking the symbol traded.
func (l *Ledger) Release(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, symbol)
}
