// Package risk supervises open positions: time exits, the portfolio stop,
// profit locking and reconciliation with the exchange.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/instruments"
	"reversalBot/internal/ports"
)

const (
	DefaultCheckInterval = 30 * time.Second
	MinCheckInterval     = 5 * time.Second
	DefaultMaxHold       = 20 * time.Hour
)

// Exchange is the slice of ports.ExchangeClient the manager drives.
type Exchange interface {
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)
	GetPositions(ctx context.Context) ([]*ports.PositionRisk, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}

// Constraints resolves instrument quantization rules.
type Constraints interface {
	Get(ctx context.Context, symbol string) (domain.InstrumentConstraints, error)
}

// TradeStore is the open-trade set.
type TradeStore interface {
	LoadOpen(ctx context.Context) ([]*domain.TradeRecord, error)
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.TradeRecord, error)
	Upsert(ctx context.Context, record *domain.TradeRecord) error
	Remove(ctx context.Context, id string) error
	LogTrade(ctx context.Context, record *domain.TradeRecord) error
}

// Config holds exit rule parameters. Fractions are relative to available balance.
type Config struct {
	QuoteAsset         string
	CheckInterval      time.Duration
	MaxHold            time.Duration
	StopLossBalancePct float64
	ProfitTriggerPct   float64
	LockPctOfTrigger   float64
}

// Manager applies exit rules to every open trade on each tick.
type Manager struct {
	exchange    Exchange
	constraints Constraints
	trades      TradeStore
	notifier    ports.Notifier
	metrics     ports.Metrics
	logger      ports.Logger
	cfg         Config
	now         func() time.Time

	mu sync.Mutex // serializes Check and HandleOrderUpdate

	// locks holds profit locks not yet persisted, keyed by trade ID.
	locks map[string]appliedLock
}

type appliedLock struct {
	floor       float64
	stopPrice   float64
	stopOrderID int64
}

// NewManager creates a risk manager.
func NewManager(exchange Exchange, constraints Constraints, trades TradeStore, notifier ports.Notifier, metrics ports.Metrics, logger ports.Logger, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.CheckInterval < MinCheckInterval {
		cfg.CheckInterval = MinCheckInterval
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = DefaultMaxHold
	}
	return &Manager{
		exchange:    exchange,
		constraints: constraints,
		trades:      trades,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		locks:       make(map[string]appliedLock),
	}
}

// Interval is the effective polling interval.
func (m *Manager) Interval() time.Duration {
	return m.cfg.CheckInterval
}

// Run checks positions every interval until ctx is done. Failed ticks are logged.
func (m *Manager) Run(ctx context.Context) {
	op := "RiskManager"
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info(ctx, op+": started", map[string]interface{}{"interval": m.cfg.CheckInterval.String()})
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, op+": stopped")
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error(ctx, err, op+": position check failed")
			}
		}
	}
}

// position pairs an open record with its live exchange position.
type position struct {
	record *domain.TradeRecord
	live   *ports.PositionRisk
	entry  float64
	mark   float64
	pnl    float64
}

// Snapshot is the portfolio view computed by one check.
type Snapshot struct {
	Balance     float64
	PnL         float64
	PnLFraction float64
	Positions   int
}

// Check runs one pass of reconciliation and exit rules and returns the
// portfolio as it stood before any close.
func (m *Manager) Check(ctx context.Context) (Snapshot, error) {
	op := "Check"
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.trades.LoadOpen(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(records) == 0 {
		m.metrics.SetOpenTrades(0)
		m.metrics.SetPortfolioPnL(0, 0)
		return Snapshot{}, nil
	}

	balance, err := m.exchange.GetAvailableBalance(ctx, m.cfg.QuoteAsset)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: balance: %w", op, err)
	}
	live, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: positions: %w", op, err)
	}
	bySymbol := make(map[string]*ports.PositionRisk, len(live))
	for _, p := range live {
		bySymbol[p.Symbol] = p
	}

	var matched []position
	for _, r := range records {
		p, ok := bySymbol[r.Symbol]
		if !ok || p.PositionAmt == 0 || math.Signbit(p.PositionAmt) != (r.Side == domain.Sell) {
			m.reconcileExternal(ctx, r)
			continue
		}
		m.restoreLock(ctx, r)
		matched = append(matched, newPosition(r, p))
	}

	snap := Snapshot{Balance: balance, Positions: len(matched)}
	for _, p := range matched {
		snap.PnL += p.pnl
	}
	snap.PnLFraction = fraction(snap.PnL, balance)

	open := len(matched)
	for _, p := range matched {
		if m.evaluate(ctx, p, snap) {
			open--
		}
	}

	m.metrics.SetOpenTrades(open)
	m.metrics.SetPortfolioPnL(snap.PnL, snap.PnLFraction)
	m.logger.Debug(ctx, op+": portfolio", map[string]interface{}{
		"balance":     balance,
		"pnl":         snap.PnL,
		"pnlFraction": snap.PnLFraction,
		"positions":   snap.Positions,
	})
	return snap, nil
}

func newPosition(r *domain.TradeRecord, p *ports.PositionRisk) position {
	entry := p.EntryPrice
	if entry <= 0 {
		entry = r.EntryPrice
	}
	pos := position{record: r, live: p, entry: entry, mark: p.MarkPrice}
	if p.MarkPrice > 0 {
		pos.pnl = r.Side.Sign() * (p.MarkPrice - entry) * math.Abs(p.PositionAmt)
	} else {
		pos.pnl = p.UnRealizedProfit
	}
	return pos
}

func fraction(amount, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return amount / balance
}

// evaluate applies the exit rules in order, first match wins. It reports whether the position was closed.
func (m *Manager) evaluate(ctx context.Context, p position, snap Snapshot) bool {
	r := p.record
	pnlFraction := fraction(p.pnl, snap.Balance)

	switch {
	case r.Age(m.now()) >= m.cfg.MaxHold:
		return m.closePosition(ctx, p, domain.CloseReasonTimeLimit)

	case m.cfg.StopLossBalancePct > 0 && snap.PnLFraction <= -m.cfg.StopLossBalancePct:
		return m.closePosition(ctx, p, domain.CloseReasonStopLoss)

	case !r.ProfitLockApplied && m.cfg.ProfitTriggerPct > 0 && pnlFraction >= m.cfg.ProfitTriggerPct:
		m.lockProfit(ctx, p, snap.Balance, pnlFraction)
		return false

	case r.ProfitLockApplied && r.ProfitFloor != nil && pnlFraction <= *r.ProfitFloor:
		return m.closePosition(ctx, p, domain.CloseReasonProfitFloor)
	}
	return false
}

// FloorStopPrice is the price at which a position of qty from entry is worth floor × balance.
func FloorStopPrice(side domain.OrderSide, entry, qty, balance, floor, tick float64) float64 {
	if qty <= 0 {
		return entry
	}
	return instruments.RoundToTick(entry+side.Sign()*floor*balance/qty, tick)
}

// lockProfit moves the exchange stop to the floor-equivalent price and records the floor once.
// Binance keeps a single close-position stop per direction, so the old stop is
// cancelled first and put back if the new one is rejected.
func (m *Manager) lockProfit(ctx context.Context, p position, balance, pnlFraction float64) {
	op := "LockProfit"
	r := p.record
	fields := map[string]interface{}{"symbol": r.Symbol, "tradeID": r.ID}

	floor := m.cfg.ProfitTriggerPct * m.cfg.LockPctOfTrigger
	tick := 0.0
	if ic, err := m.constraints.Get(ctx, r.Symbol); err == nil {
		tick = ic.TickSize
	} else {
		m.logger.Warn(ctx, op+": constraints unavailable, stop price not tick-rounded", withFields(fields, map[string]interface{}{"error": err.Error()}))
	}
	stopPrice := FloorStopPrice(r.Side, p.entry, math.Abs(p.live.PositionAmt), balance, floor, tick)

	m.cancelStop(ctx, r, fields)
	effective, stopOrderID := stopPrice, int64(0)
	stop, err := m.placeStop(ctx, r, stopPrice, tick)
	if err != nil {
		// The floor rule still closes the position on the next breach.
		m.logger.Error(ctx, err, op+": failed to place lock stop", fields)
		m.notifier.Notify(ctx, fmt.Sprintf("Failed to move stop on %s: %v", r.Symbol, err))
		effective = r.StopLoss
		if restored, rerr := m.placeStop(ctx, r, r.StopLoss, tick); rerr == nil {
			stopOrderID = restored.OrderID
		} else {
			m.logger.Error(ctx, rerr, op+": failed to restore previous stop", fields)
			m.notifier.Notify(ctx, fmt.Sprintf("EMERGENCY: %s has no exchange stop: %v", r.Symbol, rerr))
		}
	} else {
		stopOrderID = stop.OrderID
	}

	if !r.ApplyProfitLock(floor, effective) {
		return
	}
	r.StopOrderID = stopOrderID
	m.locks[r.ID] = appliedLock{floor: floor, stopPrice: effective, stopOrderID: stopOrderID}
	m.persistLock(ctx, r)

	m.logger.Info(ctx, op+": locked profit and updated stop", withFields(fields, map[string]interface{}{
		"floor":       floor,
		"stopPrice":   effective,
		"pnlFraction": pnlFraction,
	}))
	m.notifier.Notify(ctx, fmt.Sprintf("Locked profit on %s: stop set to %v after reaching %.2f%%", r.Symbol, effective, pnlFraction*100))
}

func (m *Manager) placeStop(ctx context.Context, r *domain.TradeRecord, price, tick float64) (*ports.OrderResponse, error) {
	return m.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        r.Symbol,
		Side:          r.Side.Opposite(),
		Type:          domain.OrderTypeStopMarket,
		StopPrice:     instruments.Format(price, tick),
		ClosePosition: true,
	})
}

// cancelStop removes the record's resting stop, or every open order of the
// symbol when the stop's ID is unknown.
func (m *Manager) cancelStop(ctx context.Context, r *domain.TradeRecord, fields map[string]interface{}) {
	if r.StopOrderID == 0 {
		if err := m.exchange.CancelAllOpenOrders(ctx, r.Symbol); err != nil {
			m.logger.Warn(ctx, "LockProfit: failed to cancel open orders", withFields(fields, map[string]interface{}{"error": err.Error()}))
		}
		return
	}
	if _, err := m.exchange.CancelOrder(ctx, r.Symbol, r.StopOrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		m.logger.Warn(ctx, "LockProfit: failed to cancel previous stop", withFields(fields, map[string]interface{}{"orderID": r.StopOrderID, "error": err.Error()}))
	}
}

// persistLock writes a locked record. A failed write leaves the lock in m.locks
// so the next check re-applies it instead of locking again.
func (m *Manager) persistLock(ctx context.Context, r *domain.TradeRecord) {
	if err := m.trades.Upsert(ctx, r); err != nil {
		m.logger.Error(ctx, err, "LockProfit: failed to persist profit lock", map[string]interface{}{"symbol": r.Symbol, "tradeID": r.ID})
		return
	}
	delete(m.locks, r.ID)
}

// restoreLock re-applies a lock whose write failed on an earlier check.
func (m *Manager) restoreLock(ctx context.Context, r *domain.TradeRecord) {
	l, ok := m.locks[r.ID]
	if !ok {
		return
	}
	if r.ApplyProfitLock(l.floor, l.stopPrice) {
		r.StopOrderID = l.stopOrderID
		m.persistLock(ctx, r)
		return
	}
	delete(m.locks, r.ID)
}

// closePosition flattens the live position at market, clears resting orders and
// finalizes the record. A failed close leaves the record open for the next tick.
func (m *Manager) closePosition(ctx context.Context, p position, reason domain.CloseReason) bool {
	op := "ClosePosition"
	r := p.record
	fields := map[string]interface{}{"symbol": r.Symbol, "tradeID": r.ID, "reason": reason}

	qty := math.Abs(p.live.PositionAmt)
	step := 0.0
	if ic, err := m.constraints.Get(ctx, r.Symbol); err == nil {
		step = ic.StepSize
	}
	order, err := m.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:     r.Symbol,
		Side:       r.Side.Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   instruments.Format(qty, step),
		ReduceOnly: true,
	})
	if err != nil {
		m.logger.Error(ctx, err, op+": close order failed", fields)
		m.notifier.Notify(ctx, fmt.Sprintf("Failed to close %s (%s): %v", r.Symbol, reason, err))
		return false
	}
	if err := m.exchange.CancelAllOpenOrders(ctx, r.Symbol); err != nil {
		m.logger.Warn(ctx, op+": failed to cancel open orders", withFields(fields, map[string]interface{}{"error": err.Error()}))
	}

	exit := p.mark
	if order.AvgPrice > 0 {
		exit = order.AvgPrice
	}
	pnl := r.Side.Sign() * (exit - p.entry) * qty
	m.finalize(ctx, r, exit, pnl, reason)
	m.notifier.Notify(ctx, fmt.Sprintf("Closed %s due to %s\nExit: %v\nPnL: %.4f", r.Symbol, closeLabel(reason, m.cfg.MaxHold), exit, pnl))
	return true
}

func closeLabel(reason domain.CloseReason, maxHold time.Duration) string {
	switch reason {
	case domain.CloseReasonTimeLimit:
		return fmt.Sprintf("time limit (%s)", maxHold)
	case domain.CloseReasonStopLoss:
		return "portfolio stop-loss"
	case domain.CloseReasonProfitFloor:
		return "profit floor breach"
	}
	return string(reason)
}

// reconcileExternal closes a record whose position no longer exists on the exchange.
func (m *Manager) reconcileExternal(ctx context.Context, r *domain.TradeRecord) {
	exit := r.EntryPrice
	if price, err := m.exchange.GetTickerPrice(ctx, r.Symbol); err == nil && price > 0 {
		exit = price
	}
	pnl := r.Side.Sign() * (exit - r.EntryPrice) * r.Quantity
	m.finalize(ctx, r, exit, pnl, domain.CloseReasonExternal)
	m.logger.Info(ctx, "Reconcile: position closed outside the bot", map[string]interface{}{"symbol": r.Symbol, "tradeID": r.ID})
}

// finalize moves r to CLOSED, drops it from the open set and appends it to the trade log.
func (m *Manager) finalize(ctx context.Context, r *domain.TradeRecord, exit, pnl float64, reason domain.CloseReason) {
	fields := map[string]interface{}{"symbol": r.Symbol, "tradeID": r.ID, "reason": reason}
	if err := r.Close(exit, pnl, m.now().UTC(), reason); err != nil {
		m.logger.Warn(ctx, "Finalize: record already closed", fields)
		return
	}
	if err := m.trades.Remove(ctx, r.ID); err != nil {
		m.logger.Error(ctx, err, "Finalize: failed to remove open trade", fields)
	}
	if err := m.trades.LogTrade(ctx, r); err != nil {
		m.logger.Error(ctx, err, "Finalize: failed to append trade log", fields)
	}
	delete(m.locks, r.ID)
	m.metrics.RecordClose(string(reason))
	m.logger.Info(ctx, "Finalize: trade closed", withFields(fields, map[string]interface{}{"exit": exit, "pnl": pnl}))
}

// HandleOrderUpdate closes the open record of a filled reduce-only order,
// typically the protective stop firing on the exchange.
func (m *Manager) HandleOrderUpdate(ctx context.Context, u *domain.OrderUpdate) {
	if u == nil || u.Status != domain.OrderStatusFilled || !u.ReduceOnly {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.trades.FindOpenBySymbol(ctx, u.Symbol)
	if err != nil {
		m.logger.Error(ctx, err, "OrderUpdate: failed to load open trade", map[string]interface{}{"symbol": u.Symbol})
		return
	}
	if r == nil || r.Side != u.Side.Opposite() {
		m.logger.Debug(ctx, "OrderUpdate: no matching open trade", map[string]interface{}{"symbol": u.Symbol, "orderID": u.OrderID})
		return
	}

	m.finalize(ctx, r, u.AvgPrice, u.RealizedPnL, domain.CloseReasonOrderFilled)
	m.notifier.Notify(ctx, OrderFillMessage(u))
}

// OrderFillMessage is the operator notification for a reduce-only fill.
func OrderFillMessage(u *domain.OrderUpdate) string {
	direction := "Close Long"
	if u.Side == domain.Buy {
		direction = "Close Short"
	}
	return fmt.Sprintf("Trade closed %s\n%s\nPrice: %v\nQty: %v\nPnL: %v", u.Symbol, direction, u.AvgPrice, u.OrigQty, u.RealizedPnL)
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
