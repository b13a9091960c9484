package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that reduces a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for long exposure and -1 for short exposure.
func (s OrderSide) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// TradeStatus represents the lifecycle state of a trade record.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// CloseReason indicates why a trade was closed.
type CloseReason string

const (
	CloseReasonTimeLimit   CloseReason = "TIME_LIMIT"
	CloseReasonStopLoss    CloseReason = "STOP_LOSS"
	CloseReasonProfitFloor CloseReason = "PROFIT_FLOOR"
	CloseReasonExternal    CloseReason = "EXTERNAL"   // Position vanished on the exchange
	CloseReasonOrderFilled CloseReason = "ORDER_FILL" // Reduce-only fill reported by the user-data stream
)

// SignalKind is the reversal pattern that produced a trade intent.
type SignalKind string

const (
	SignalBullishEngulfing SignalKind = "bullish_engulfing"
	SignalBearishEngulfing SignalKind = "bearish_engulfing"
	SignalBullishHammer    SignalKind = "bullish_hammer"
	SignalBearishHammer    SignalKind = "bearish_hammer"
)

// Side returns the entry side implied by the signal.
func (k SignalKind) Side() OrderSide {
	switch k {
	case SignalBearishEngulfing, SignalBearishHammer:
		return Sell
	default:
		return Buy
	}
}

// OrderType mirrors the futures order types the core submits.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// Order statuses reported by the exchange.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
)
