package domain

import (
	"errors"
	"time"
)

// ErrTradeAlreadyClosed is returned when a closed record is closed again.
var ErrTradeAlreadyClosed = errors.New("trade record already closed")

// TradeRecord is the full history of one position opened by the bot.
type TradeRecord struct {
	ID                string      `json:"id"`
	Symbol            string      `json:"symbol"`
	Side              OrderSide   `json:"side"`
	EntryPrice        float64     `json:"entryPrice"`
	Quantity          float64     `json:"quantity"`
	StopLoss          float64     `json:"stopLoss"`
	StopOrderID       int64       `json:"stopOrderId,omitempty"`
	ProfitLockApplied bool        `json:"profitLockApplied"`
	ProfitFloor       *float64    `json:"profitFloor,omitempty"` // P&L fraction of balance defended after the lock
	OpenedAt          time.Time   `json:"openedAt"`
	Status            TradeStatus `json:"status"`
	ClosedAt          *time.Time  `json:"closedAt,omitempty"`
	ExitPrice         *float64    `json:"exitPrice,omitempty"`
	PNL               *float64    `json:"pnl,omitempty"`
	CloseReason       CloseReason `json:"closeReason,omitempty"`
	Signal            SignalKind  `json:"signal"`
	FillAttempts      int         `json:"fillAttempts"`
}

// IsOpen checks if the record status is open.
func (t *TradeRecord) IsOpen() bool {
	return t.Status == StatusOpen
}

// Age returns how long the trade has been open at now.
func (t *TradeRecord) Age(now time.Time) time.Duration {
	return now.Sub(t.OpenedAt)
}

// Close moves the record to CLOSED. The transition is one-way.
func (t *TradeRecord) Close(exitPrice, pnl float64, at time.Time, reason CloseReason) error {
	if t.Status == StatusClosed {
		return ErrTradeAlreadyClosed
	}
	t.Status = StatusClosed
	t.ExitPrice = &exitPrice
	t.PNL = &pnl
	t.ClosedAt = &at
	t.CloseReason = reason
	return nil
}

// ApplyProfitLock records the defended floor. Once applied the floor never moves.
func (t *TradeRecord) ApplyProfitLock(floor, stopPrice float64) bool {
	if t.ProfitLockApplied {
		return false
	}
	t.ProfitLockApplied = true
	t.ProfitFloor = &floor
	t.StopLoss = stopPrice
	return true
}
