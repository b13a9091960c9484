package ports

import (
	"context"
	"time"

	"reversalBot/internal/domain"
)

// OrderRequest describes an order to submit.
// Quantity, Price and StopPrice are already quantized and formatted by the caller.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      string // Empty when ClosePosition is set
	Price         string // LIMIT only
	StopPrice     string // STOP_MARKET only
	TimeInForce   string // LIMIT only, e.g. GTC
	ReduceOnly    bool
	ClosePosition bool
}

// OrderResponse represents the essential details of an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	Price         float64   // Price of the order (might be 0 for market orders initially)
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	TimeInForce   string    // Time in force (e.g., GTC, IOC, FOK)
	Type          string    // Order type (e.g., MARKET, LIMIT, STOP_MARKET)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// PositionRisk represents the risk details for an open position.
type PositionRisk struct {
	Symbol           string  // Symbol of the position
	PositionAmt      float64 // Current position amount (positive for long, negative for short)
	EntryPrice       float64 // Average entry price of the position
	MarkPrice        float64 // Current mark price
	UnRealizedProfit float64 // Unrealized profit/loss
	LiquidationPrice float64 // Estimated liquidation price
	Leverage         int     // Current leverage for the position
}

// ExchangeClient defines the interface for interacting with the futures exchange.
// This abstraction allows decoupling the core bot logic from specific exchange implementations.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// ListInstruments returns the tradable instruments quoted in quoteAsset with their constraints.
	ListInstruments(ctx context.Context, quoteAsset string) ([]domain.InstrumentConstraints, error)

	// GetKlines retrieves the most recent klines for the given symbol.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)

	// GetKlinesSince retrieves up to limit klines whose open time is at or after start.
	GetKlinesSince(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*domain.Kline, error)

	// StreamKlines starts a WebSocket stream for K-line/candlestick data.
	// Returns channels to control the stream (doneCh, stopCh) or an error if connection fails.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// GetTickerPrice retrieves the last traded price for a given symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetAvailableBalance retrieves the available balance for a specific asset (e.g., "USDT").
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)

	// GetPositions retrieves all positions with a non-zero amount.
	GetPositions(ctx context.Context) ([]*PositionRisk, error)

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceOrder submits an order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// GetOrder retrieves the current state of an order.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// CancelOrder cancels an existing open order by its ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// CancelAllOpenOrders cancels every resting order on symbol.
	CancelAllOpenOrders(ctx context.Context, symbol string) error

	// StreamOrderUpdates subscribes to the account's order updates.
	StreamOrderUpdates(ctx context.Context, handler func(update *domain.OrderUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
