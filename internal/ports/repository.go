package ports

import "context"

// DocumentStore persists JSON documents by key.
type DocumentStore interface {
	// ReadJSON decodes the document stored under key into dst.
	// Returns false, nil when the document does not exist; dst is left untouched so
	// callers can pre-fill it with a default.
	ReadJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	// WriteJSON replaces the document stored under key.
	WriteJSON(ctx context.Context, key string, value interface{}) error
}

// TradeLog is an append-only log of trade events.
type TradeLog interface {
	// AppendLine appends one line to the log.
	AppendLine(ctx context.Context, line string) error
}
