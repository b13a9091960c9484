// Package execution turns trade intents into filled, protected positions.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/instruments"
	"reversalBot/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultFillPollDelay   = 10 * time.Second
	DefaultMaxFillAttempts = 6

	settleTimeout     = 10 * time.Second
	cancelAttempts    = 3
	confirmAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Exchange is the slice of ports.ExchangeClient the engine drives.
type Exchange interface {
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error)
}

// Constraints resolves instrument quantization rules.
type Constraints interface {
	Get(ctx context.Context, symbol string) (domain.InstrumentConstraints, error)
}

// Ledger gates one execution per instrument per day.
type Ledger interface {
	TryAcquire(ctx context.Context, symbol string) error
	Commit(ctx context.Context, symbol string) error
	Release(symbol string)
}

// TradeStore receives the opened record.
type TradeStore interface {
	Upsert(ctx context.Context, record *domain.TradeRecord) error
	LogTrade(ctx context.Context, record *domain.TradeRecord) error
}

// Config holds sizing and chase parameters.
type Config struct {
	QuoteAsset         string
	PositionSizePct    float64
	Leverage           int
	StopLossBalancePct float64
	FillPollDelay      time.Duration
	MaxFillAttempts    int
}

// Engine executes trade intents.
type Engine struct {
	exchange    Exchange
	constraints Constraints
	ledger      Ledger
	trades      TradeStore
	notifier    ports.Notifier
	metrics     ports.Metrics
	logger      ports.Logger
	cfg         Config
	now         func() time.Time
	retryDelay  time.Duration
}

// NewEngine creates an execution engine.
func NewEngine(exchange Exchange, constraints Constraints, ledger Ledger, trades TradeStore, notifier ports.Notifier, metrics ports.Metrics, logger ports.Logger, cfg Config) *Engine {
	if cfg.FillPollDelay <= 0 {
		cfg.FillPollDelay = DefaultFillPollDelay
	}
	if cfg.MaxFillAttempts <= 0 {
		cfg.MaxFillAttempts = DefaultMaxFillAttempts
	}
	return &Engine{
		exchange:    exchange,
		constraints: constraints,
		ledger:      ledger,
		trades:      trades,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		retryDelay:  defaultRetryDelay,
	}
}

// Execute opens a position for intent. Leverage already applied is not rolled back on failure.
func (e *Engine) Execute(ctx context.Context, intent domain.TradeIntent) (record *domain.TradeRecord, err error) {
	op := "Execute"
	fields := map[string]interface{}{"symbol": intent.Symbol, "side": intent.Side, "signal": intent.Signal}

	if err := e.ledger.TryAcquire(ctx, intent.Symbol); err != nil {
		e.logger.Warn(ctx, op+": intent skipped", map[string]interface{}{"symbol": intent.Symbol, "error": err.Error()})
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			e.ledger.Release(intent.Symbol)
		}
		e.metrics.RecordExecution(intent.Symbol, err == nil)
	}()

	ic, err := e.constraints.Get(ctx, intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, intent.Symbol, err)
	}

	balance, err := e.exchange.GetAvailableBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		return nil, fmt.Errorf("%s %s: balance: %w", op, intent.Symbol, err)
	}

	qty := PositionSize(balance, e.cfg.PositionSizePct, e.cfg.Leverage, intent.Entry, ic.StepSize)
	if qty <= 0 {
		return nil, fmt.Errorf("%s %s: balance %.4f: %w", op, intent.Symbol, balance, ports.ErrQuantityTooSmall)
	}
	if notional := qty * intent.Entry; ic.MinNotional > 0 && notional < ic.MinNotional {
		return nil, fmt.Errorf("%s %s: notional %.4f < %.4f: %w", op, intent.Symbol, notional, ic.MinNotional, ports.ErrNotionalTooSmall)
	}

	if err := e.exchange.SetLeverage(ctx, intent.Symbol, e.cfg.Leverage); err != nil {
		return nil, fmt.Errorf("%s %s: leverage: %w", op, intent.Symbol, err)
	}

	e.logger.Info(ctx, op+": chasing entry", withFields(fields, map[string]interface{}{"quantity": qty, "balance": balance}))
	fill, err := e.chase(ctx, intent.Symbol, intent.Side, qty, ic)
	if err != nil {
		if errors.Is(err, ports.ErrOrderCancelFailed) {
			// An entry order may still rest on the book; keep the symbol out of today's cycle.
			committed = true
			if cerr := e.ledger.Commit(ctx, intent.Symbol); cerr != nil {
				e.logger.Error(ctx, cerr, op+": failed to persist trade cycle", fields)
			}
		}
		if fill.Quantity > 0 {
			e.emergencyClose(ctx, intent.Symbol, intent.Side, fill.Quantity, ic, "entry aborted after partial fill")
		}
		return nil, fmt.Errorf("%s %s: entry: %w", op, intent.Symbol, err)
	}
	e.metrics.RecordFillAttempts(fill.Attempts)

	entry := instruments.RoundToTick(fill.AvgPrice, ic.TickSize)
	stop := ProtectiveStop(intent.Side, entry, intent.ATR, balance, e.cfg.StopLossBalancePct, fill.Quantity, ic.TickSize)

	stopOrder, err := e.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side.Opposite(),
		Type:          domain.OrderTypeStopMarket,
		StopPrice:     instruments.Format(stop, ic.TickSize),
		ClosePosition: true,
	})
	if err != nil {
		e.emergencyClose(ctx, intent.Symbol, intent.Side, fill.Quantity, ic, "protective stop rejected")
		return nil, fmt.Errorf("%s %s: protective stop: %w", op, intent.Symbol, err)
	}

	record = &domain.TradeRecord{
		ID:           uuid.NewString(),
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		EntryPrice:   entry,
		Quantity:     fill.Quantity,
		StopLoss:     stop,
		StopOrderID:  stopOrder.OrderID,
		OpenedAt:     e.now().UTC(),
		Status:       domain.StatusOpen,
		Signal:       intent.Signal,
		FillAttempts: fill.Attempts,
	}

	// The position exists from here on; the ledger mark must stick even if persistence fails.
	committed = true
	if err := e.ledger.Commit(ctx, intent.Symbol); err != nil {
		e.logger.Error(ctx, err, op+": failed to persist trade cycle", fields)
	}
	if err := e.trades.Upsert(ctx, record); err != nil {
		e.notifier.Notify(ctx, fmt.Sprintf("Trade %s opened but not persisted: %v", intent.Symbol, err))
		return record, fmt.Errorf("%s %s: persist: %w", op, intent.Symbol, err)
	}
	if err := e.trades.LogTrade(ctx, record); err != nil {
		e.logger.Error(ctx, err, op+": failed to append trade log", fields)
	}

	e.notifier.Notify(ctx, EntryMessage(record))
	e.logger.Info(ctx, op+": position opened", withFields(fields, map[string]interface{}{
		"tradeID":  record.ID,
		"entry":    record.EntryPrice,
		"quantity": record.Quantity,
		"stopLoss": record.StopLoss,
		"attempts": record.FillAttempts,
	}))
	return record, nil
}

// Fill is the accumulated result of the chase loop.
type Fill struct {
	Quantity float64
	AvgPrice float64
	Attempts int
}

type fillAccumulator struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

func (a *fillAccumulator) add(qty, price float64) {
	if qty <= 0 {
		return
	}
	q := decimal.NewFromFloat(qty)
	a.qty = a.qty.Add(q)
	a.notional = a.notional.Add(q.Mul(decimal.NewFromFloat(price)))
}

func (a *fillAccumulator) fill(attempts int) Fill {
	f := Fill{Attempts: attempts}
	f.Quantity, _ = a.qty.Float64()
	if a.qty.IsPositive() {
		f.AvgPrice, _ = a.notional.Div(a.qty).Float64()
	}
	return f
}

// chase works qty into the book with tick-rounded GTC limits at the last price,
// re-pricing after every poll. Whatever is left after MaxFillAttempts goes out at market.
func (e *Engine) chase(ctx context.Context, symbol string, side domain.OrderSide, qty float64, ic domain.InstrumentConstraints) (Fill, error) {
	op := "Chase"
	var acc fillAccumulator
	remaining := qty
	attempts := 0
	lastPrice := 0.0

	for attempts < e.cfg.MaxFillAttempts && remaining > 0 {
		attempts++

		price, err := e.exchange.GetTickerPrice(ctx, symbol)
		if err != nil {
			return acc.fill(attempts), err
		}
		price = instruments.RoundToTick(price, ic.TickSize)
		lastPrice = price

		order, err := e.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:      symbol,
			Side:        side,
			Type:        domain.OrderTypeLimit,
			Quantity:    instruments.Format(remaining, ic.StepSize),
			Price:       instruments.Format(price, ic.TickSize),
			TimeInForce: "GTC",
		})
		if err != nil {
			return acc.fill(attempts), err
		}

		select {
		case <-ctx.Done():
			final, serr := e.settle(ctx, symbol, order.OrderID)
			if final != nil {
				acc.add(final.ExecutedQty, fillPrice(final, price))
			}
			if serr != nil {
				e.alertResting(ctx, symbol, order.OrderID, serr)
				return acc.fill(attempts), fmt.Errorf("%s %s: %w", op, symbol, serr)
			}
			return acc.fill(attempts), ctx.Err()
		case <-time.After(e.cfg.FillPollDelay):
		}

		status, err := e.exchange.GetOrder(ctx, symbol, order.OrderID)
		if err != nil || status.Status != domain.OrderStatusFilled {
			settled, serr := e.settle(ctx, symbol, order.OrderID)
			if settled != nil {
				status = settled
			}
			if serr != nil {
				// Never chase on top of an order that may still be working.
				if status != nil {
					acc.add(status.ExecutedQty, fillPrice(status, price))
				}
				e.alertResting(ctx, symbol, order.OrderID, serr)
				return acc.fill(attempts), fmt.Errorf("%s %s: %w", op, symbol, serr)
			}
		}

		acc.add(status.ExecutedQty, fillPrice(status, price))
		filled, _ := acc.qty.Float64()
		remaining = instruments.FloorToStep(instruments.Sub(qty, filled), ic.StepSize)

		e.logger.Debug(ctx, op+": poll", map[string]interface{}{
			"symbol":    symbol,
			"attempt":   attempts,
			"price":     price,
			"status":    status.Status,
			"executed":  status.ExecutedQty,
			"remaining": remaining,
		})
	}

	if remaining > 0 {
		attempts++
		ref := lastPrice
		if p, err := e.exchange.GetTickerPrice(ctx, symbol); err == nil {
			if p = instruments.RoundToTick(p, ic.TickSize); p > 0 {
				ref = p
			}
		}
		e.logger.Warn(ctx, op+": limit attempts exhausted, sending remainder at market", map[string]interface{}{"symbol": symbol, "remaining": remaining})
		order, err := e.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:   symbol,
			Side:     side,
			Type:     domain.OrderTypeMarket,
			Quantity: instruments.Format(remaining, ic.StepSize),
		})
		if err != nil {
			return acc.fill(attempts), err
		}
		final := e.confirmMarket(ctx, symbol, order)
		executed := final.ExecutedQty
		if executed <= 0 {
			// Market orders fill; an ACK-only response still means the remainder is in.
			executed = remaining
		}
		price := fillPrice(final, ref)
		if price <= 0 {
			f := acc.fill(attempts)
			f.Quantity = instruments.Add(f.Quantity, executed)
			return f, fmt.Errorf("%s %s: market fill price unknown: %w", op, symbol, ports.ErrOrderPlacementFailed)
		}
		acc.add(executed, price)
	}

	fill := acc.fill(attempts)
	if fill.Quantity <= 0 || fill.AvgPrice <= 0 {
		return fill, fmt.Errorf("%s %s: no fill: %w", op, symbol, ports.ErrOrderPlacementFailed)
	}
	return fill, nil
}

// settle cancels orderID, retrying transient failures, and returns its final state.
// An error means the order may still be working on the book. It runs detached from
// ctx so shutdown can still clean up the outstanding order.
func (e *Engine) settle(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var cancelErr error
	for i := 0; i < cancelAttempts; i++ {
		if i > 0 && !sleepCtx(sctx, e.retryDelay) {
			break
		}
		_, cancelErr = e.exchange.CancelOrder(sctx, symbol, orderID)
		if cancelErr == nil || errors.Is(cancelErr, ports.ErrOrderNotFound) {
			cancelErr = nil
			break
		}
		e.logger.Warn(sctx, "Cancel of chase order failed", map[string]interface{}{"symbol": symbol, "orderID": orderID, "attempt": i + 1, "error": cancelErr.Error()})
	}

	final, err := e.exchange.GetOrder(sctx, symbol, orderID)
	if err != nil {
		e.logger.Warn(sctx, "Final order status unavailable", map[string]interface{}{"symbol": symbol, "orderID": orderID, "error": err.Error()})
		if cancelErr != nil {
			return nil, fmt.Errorf("order %d: %w: %w", orderID, ports.ErrOrderCancelFailed, cancelErr)
		}
		return nil, fmt.Errorf("order %d status: %w", orderID, err)
	}
	switch final.Status {
	case domain.OrderStatusCanceled, domain.OrderStatusExpired, domain.OrderStatusFilled:
		return final, nil
	}
	if cancelErr != nil {
		return final, fmt.Errorf("order %d still %s: %w: %w", orderID, final.Status, ports.ErrOrderCancelFailed, cancelErr)
	}
	return final, fmt.Errorf("order %d still %s: %w", orderID, final.Status, ports.ErrOrderCancelFailed)
}

// confirmMarket re-reads a market order until the exchange reports it FILLED and
// returns the freshest state seen.
func (e *Engine) confirmMarket(ctx context.Context, symbol string, order *ports.OrderResponse) *ports.OrderResponse {
	final := order
	for i := 0; i < confirmAttempts && final.Status != domain.OrderStatusFilled; i++ {
		if i > 0 && !sleepCtx(ctx, e.retryDelay) {
			break
		}
		got, err := e.exchange.GetOrder(ctx, symbol, order.OrderID)
		if err != nil {
			e.logger.Warn(ctx, "Market order status unavailable", map[string]interface{}{"symbol": symbol, "orderID": order.OrderID, "attempt": i + 1, "error": err.Error()})
			continue
		}
		final = got
	}
	return final
}

// alertResting tells the operator an entry order could not be confirmed cancelled.
func (e *Engine) alertResting(ctx context.Context, symbol string, orderID int64, err error) {
	ctx = context.WithoutCancel(ctx)
	e.logger.Error(ctx, err, "Entry order may still rest on the book", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	e.notifier.Notify(ctx, fmt.Sprintf("ALERT: entry order %d on %s could not be cancelled, check the book: %v", orderID, symbol, err))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// emergencyClose flattens qty with a reduce-only market order.
func (e *Engine) emergencyClose(ctx context.Context, symbol string, side domain.OrderSide, qty float64, ic domain.InstrumentConstraints, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	_, err := e.exchange.PlaceOrder(cctx, ports.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   instruments.Format(qty, ic.StepSize),
		ReduceOnly: true,
	})
	if err != nil {
		e.logger.Error(cctx, err, "Emergency close failed", map[string]interface{}{"symbol": symbol, "quantity": qty, "reason": reason})
		e.notifier.Notify(cctx, fmt.Sprintf("EMERGENCY: %s %s unprotected, close failed: %v", symbol, side, err))
		return
	}
	e.logger.Warn(cctx, "Emergency close sent", map[string]interface{}{"symbol": symbol, "quantity": qty, "reason": reason})
	e.notifier.Notify(cctx, fmt.Sprintf("Emergency close %s (%s): %s", symbol, side, reason))
}

func fillPrice(o *ports.OrderResponse, fallback float64) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Price > 0 {
		return o.Price
	}
	return fallback
}

// EntryMessage is the operator notification for an opened trade.
func EntryMessage(r *domain.TradeRecord) string {
	return fmt.Sprintf("New trade %s (%s)\nEntry: %v\nQty: %v\nSL: %v\nSignal: %s",
		r.Symbol, r.Side, r.EntryPrice, r.Quantity, r.StopLoss, r.Signal)
}

func withFields(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
