// Package trades persists the open-trade set and the append-only trade log.
package trades

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
)

// OpenTradesKey is the store key of the open-trade set.
const OpenTradesKey = "open-trades"

// Store owns the open-trade document. Writers are the execution engine and the
// risk manager; every read-modify-write runs under one mutex.
type Store struct {
	docs   ports.DocumentStore
	log    ports.TradeLog
	logger ports.Logger

	mu sync.Mutex
}

// NewStore creates a trade store.
func NewStore(docs ports.DocumentStore, log ports.TradeLog, logger ports.Logger) *Store {
	return &Store{docs: docs, log: log, logger: logger}
}

func (s *Store) load(ctx context.Context) ([]*domain.TradeRecord, error) {
	records := []*domain.TradeRecord{}
	if _, err := s.docs.ReadJSON(ctx, OpenTradesKey, &records); err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	open := records[:0]
	for _, r := range records {
		if r != nil && r.IsOpen() {
			open = append(open, r)
		}
	}
	return open, nil
}

func (s *Store) save(ctx context.Context, records []*domain.TradeRecord) error {
	if err := s.docs.WriteJSON(ctx, OpenTradesKey, records); err != nil {
		return fmt.Errorf("save open trades: %w", err)
	}
	return nil
}

// LoadOpen returns every OPEN record.
func (s *Store) LoadOpen(ctx context.Context) ([]*domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// FindOpenBySymbol returns the open record for symbol, or nil.
func (s *Store) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.TradeRecord, error) {
	records, err := s.LoadOpen(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Symbol == symbol {
			return r, nil
		}
	}
	return nil, nil
}

// Upsert inserts or replaces an open record by ID.
func (s *Store) Upsert(ctx context.Context, record *domain.TradeRecord) error {
	if !record.IsOpen() {
		return fmt.Errorf("upsert %s: %w", record.ID, domain.ErrTradeAlreadyClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range records {
		if r.ID == record.ID {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	return s.save(ctx, records)
}

// Remove drops the record with id from the open set. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	kept := make([]*domain.TradeRecord, 0, len(records))
	for _, r := range records {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return s.save(ctx, kept)
}

// LogTrade appends the record as one JSON line to the trade log.
func (s *Store) LogTrade(ctx context.Context, record *domain.TradeRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trade %s: %w", record.ID, err)
	}
	if err := s.log.AppendLine(ctx, string(line)); err != nil {
		return fmt.Errorf("log trade %s: %w", record.ID, err)
	}
	s.logger.Info(ctx, "Trade recorded", map[string]interface{}{"tradeID": record.ID, "symbol": record.Symbol, "status": record.Status})
	return nil
}
