package risk

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"reversalBot/internal/adapters/logger"
	"reversalBot/internal/adapters/memstore"
	"reversalBot/internal/adapters/metrics"
	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
	"reversalBot/internal/trades"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type mockExchange struct {
	mu           sync.Mutex
	balance      float64
	positions    []*ports.PositionRisk
	ticker       float64
	fillPrice    float64
	orderErr     error
	stopFailures int // STOP_MARKET placements to reject before accepting
	placed       []ports.OrderRequest
	cancelled    []int64
	cancelAll    []string
	nextID       int64
}

func (m *mockExchange) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	return m.balance, nil
}

func (m *mockExchange) GetPositions(ctx context.Context) ([]*ports.PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, nil
}

func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.ticker, nil
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	if req.Type == domain.OrderTypeStopMarket && m.stopFailures > 0 {
		m.stopFailures--
		return nil, ports.ErrOrderPlacementFailed
	}
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	m.nextID++
	resp := &ports.OrderResponse{OrderID: m.nextID, Symbol: req.Symbol, Status: domain.OrderStatusNew}
	if req.Type == domain.OrderTypeMarket {
		resp.Status = domain.OrderStatusFilled
		resp.AvgPrice = m.fillPrice
	}
	return resp, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return &ports.OrderResponse{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusCanceled}, nil
}

func (m *mockExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAll = append(m.cancelAll, symbol)
	return nil
}

func (m *mockExchange) setMark(symbol string, mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol == symbol {
			p.MarkPrice = mark
		}
	}
}

type staticConstraints map[string]domain.InstrumentConstraints

func (s staticConstraints) Get(ctx context.Context, symbol string) (domain.InstrumentConstraints, error) {
	ic, ok := s[symbol]
	if !ok {
		return domain.InstrumentConstraints{}, ports.ErrInstrumentNotFound
	}
	return ic, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

type fixture struct {
	manager  *Manager
	exchange *mockExchange
	trades   *trades.Store
	store    *memstore.Store
	notifier *recordingNotifier
}

func newFixture(t *testing.T, ex *mockExchange, records ...*domain.TradeRecord) *fixture {
	t.Helper()
	store := memstore.New()
	log := logger.NewNop()
	tradeStore := trades.NewStore(store, store, log)
	for _, r := range records {
		require.NoError(t, tradeStore.Upsert(context.Background(), r))
	}
	notifier := &recordingNotifier{}
	constraints := staticConstraints{
		"BTCUSDT": {Symbol: "BTCUSDT", StepSize: 0.1, TickSize: 0.1},
		"ETHUSDT": {Symbol: "ETHUSDT", StepSize: 0.1, TickSize: 0.1},
	}
	m := NewManager(ex, constraints, tradeStore, notifier, metrics.Nop{}, log, Config{
		QuoteAsset:         "USDT",
		MaxHold:            20 * time.Hour,
		StopLossBalancePct: 0.01,
		ProfitTriggerPct:   0.005,
		LockPctOfTrigger:   0.6,
	})
	m.now = func() time.Time { return testNow }
	return &fixture{manager: m, exchange: ex, trades: tradeStore, store: store, notifier: notifier}
}

func openRecord(id, symbol string, side domain.OrderSide, entry, qty float64, age time.Duration) *domain.TradeRecord {
	return &domain.TradeRecord{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   qty,
		StopLoss:   entry - side.Sign()*5,
		OpenedAt:   testNow.Add(-age),
		Status:     domain.StatusOpen,
		Signal:     domain.SignalBullishEngulfing,
	}
}

// flakyTrades fails the first upsertFailures writes.
type flakyTrades struct {
	TradeStore
	upsertFailures int
}

func (f *flakyTrades) Upsert(ctx context.Context, record *domain.TradeRecord) error {
	if f.upsertFailures > 0 {
		f.upsertFailures--
		return ports.ErrUpdateFailed
	}
	return f.TradeStore.Upsert(ctx, record)
}

func (f *fixture) lockNotices() int {
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	n := 0
	for _, msg := range f.notifier.messages {
		if strings.HasPrefix(msg, "Locked profit on") {
			n++
		}
	}
	return n
}

func (f *fixture) loggedTrades(t *testing.T) []domain.TradeRecord {
	t.Helper()
	lines, err := f.store.Lines(context.Background())
	require.NoError(t, err)
	out := make([]domain.TradeRecord, 0, len(lines))
	for _, l := range lines {
		var r domain.TradeRecord
		require.NoError(t, json.Unmarshal([]byte(l), &r))
		out = append(out, r)
	}
	return out
}

func (f *fixture) openTrades(t *testing.T) []*domain.TradeRecord {
	t.Helper()
	open, err := f.trades.LoadOpen(context.Background())
	require.NoError(t, err)
	return open
}

func TestNewManager_Interval(t *testing.T) {
	log := logger.NewNop()
	m := NewManager(nil, nil, nil, nil, metrics.Nop{}, log, Config{})
	assert.Equal(t, DefaultCheckInterval, m.Interval())

	m = NewManager(nil, nil, nil, nil, metrics.Nop{}, log, Config{CheckInterval: time.Second})
	assert.Equal(t, MinCheckInterval, m.Interval())

	m = NewManager(nil, nil, nil, nil, metrics.Nop{}, log, Config{CheckInterval: time.Minute})
	assert.Equal(t, time.Minute, m.Interval())
}

func TestCheck_TimeLimitClosesAtMarket(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		fillPrice: 100.5,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 100.4}},
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, 21*time.Hour))

	_, err := f.manager.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, domain.OrderTypeMarket, ex.placed[0].Type)
	assert.Equal(t, domain.Sell, ex.placed[0].Side)
	assert.True(t, ex.placed[0].ReduceOnly)
	assert.Equal(t, "2.0", ex.placed[0].Quantity)
	assert.Equal(t, []string{"BTCUSDT"}, ex.cancelAll)

	assert.Empty(t, f.openTrades(t))
	logged := f.loggedTrades(t)
	require.Len(t, logged, 1)
	assert.Equal(t, domain.StatusClosed, logged[0].Status)
	assert.Equal(t, domain.CloseReasonTimeLimit, logged[0].CloseReason)
	require.NotNil(t, logged[0].ExitPrice)
	assert.Equal(t, 100.5, *logged[0].ExitPrice)
	require.NotNil(t, logged[0].PNL)
	assert.InDelta(t, 1.0, *logged[0].PNL, 1e-9)
	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "Closed BTCUSDT due to time limit")
}

func TestCheck_PortfolioStopClosesEveryPosition(t *testing.T) {
	// -8 on the long, -4 on the short: -1.2% of balance.
	ex := &mockExchange{
		balance: 1000,
		positions: []*ports.PositionRisk{
			{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 96},
			{Symbol: "ETHUSDT", PositionAmt: -1, EntryPrice: 50, MarkPrice: 54},
		},
	}
	f := newFixture(t, ex,
		openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour),
		openRecord("t2", "ETHUSDT", domain.Sell, 50, 1, time.Hour),
	)

	snap, err := f.manager.Check(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -12.0, snap.PnL, 1e-9)
	assert.InDelta(t, -0.012, snap.PnLFraction, 1e-12)

	assert.Empty(t, f.openTrades(t))
	logged := f.loggedTrades(t)
	require.Len(t, logged, 2)
	for _, r := range logged {
		assert.Equal(t, domain.CloseReasonStopLoss, r.CloseReason)
	}
	require.Len(t, ex.placed, 2)
	assert.Equal(t, domain.Sell, ex.placed[0].Side)
	assert.Equal(t, domain.Buy, ex.placed[1].Side, "short is closed with a buy")
}

func TestCheck_PortfolioStopIsNotPerPosition(t *testing.T) {
	// One position is down 0.8% of balance, the other up 0.3%: portfolio at -0.5% stays open.
	ex := &mockExchange{
		balance: 1000,
		positions: []*ports.PositionRisk{
			{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 96},
			{Symbol: "ETHUSDT", PositionAmt: -1, EntryPrice: 50, MarkPrice: 47},
		},
	}
	f := newFixture(t, ex,
		openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour),
		openRecord("t2", "ETHUSDT", domain.Sell, 50, 1, time.Hour),
	)

	_, err := f.manager.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ex.placed)
	assert.Len(t, f.openTrades(t), 2)
}

func TestCheck_ProfitLockIsAppliedOnce(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 103}},
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour))
	ctx := context.Background()

	// pnl 6 = 0.6% of balance, trigger 0.5% -> floor 0.3% -> stop at 100 + 3/2
	_, err := f.manager.Check(ctx)
	require.NoError(t, err)

	require.Len(t, ex.placed, 1)
	stop := ex.placed[0]
	assert.Equal(t, domain.OrderTypeStopMarket, stop.Type)
	assert.Equal(t, domain.Sell, stop.Side)
	assert.True(t, stop.ClosePosition)
	assert.Equal(t, "101.5", stop.StopPrice)
	assert.Equal(t, []string{"BTCUSDT"}, ex.cancelAll)

	open := f.openTrades(t)
	require.Len(t, open, 1)
	assert.True(t, open[0].ProfitLockApplied)
	require.NotNil(t, open[0].ProfitFloor)
	assert.InDelta(t, 0.003, *open[0].ProfitFloor, 1e-12)
	assert.Equal(t, 101.5, open[0].StopLoss)
	assert.Equal(t, int64(1), open[0].StopOrderID)

	// Price runs further: no second lock, floor unchanged.
	ex.setMark("BTCUSDT", 110)
	_, err = f.manager.Check(ctx)
	require.NoError(t, err)
	assert.Len(t, ex.placed, 1)

	open = f.openTrades(t)
	require.Len(t, open, 1)
	assert.InDelta(t, 0.003, *open[0].ProfitFloor, 1e-12)
	assert.Equal(t, 101.5, open[0].StopLoss)
}

func TestCheck_ProfitLockReplacesKnownStop(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 103}},
		nextID:    7,
	}
	rec := openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour)
	rec.StopOrderID = 7
	f := newFixture(t, ex, rec)

	_, err := f.manager.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, ex.cancelled)
	assert.Empty(t, ex.cancelAll, "other resting orders are left alone")
	require.Len(t, ex.placed, 1)
	assert.Equal(t, "101.5", ex.placed[0].StopPrice)

	open := f.openTrades(t)
	require.Len(t, open, 1)
	assert.Equal(t, int64(8), open[0].StopOrderID)
}

func TestCheck_ProfitLockRestoresStopWhenMoveRejected(t *testing.T) {
	ex := &mockExchange{
		balance:      1000,
		positions:    []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 103}},
		stopFailures: 1,
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour))
	ctx := context.Background()

	_, err := f.manager.Check(ctx)
	require.NoError(t, err)

	require.Len(t, ex.placed, 2)
	assert.Equal(t, "101.5", ex.placed[0].StopPrice)
	assert.Equal(t, "95.0", ex.placed[1].StopPrice, "previous stop is put back")
	assert.True(t, ex.placed[1].ClosePosition)

	open := f.openTrades(t)
	require.Len(t, open, 1)
	assert.True(t, open[0].ProfitLockApplied)
	require.NotNil(t, open[0].ProfitFloor)
	assert.InDelta(t, 0.003, *open[0].ProfitFloor, 1e-12)
	assert.Equal(t, 95.0, open[0].StopLoss)
	assert.Equal(t, int64(1), open[0].StopOrderID)
	assert.Contains(t, f.notifier.messages[0], "Failed to move stop on BTCUSDT")

	// The floor still defends the profit.
	ex.setMark("BTCUSDT", 101.4)
	_, err = f.manager.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.openTrades(t))
}

func TestCheck_UnpersistedProfitLockIsNotReapplied(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 103}},
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour))
	f.manager.trades = &flakyTrades{TradeStore: f.trades, upsertFailures: 1}
	ctx := context.Background()

	_, err := f.manager.Check(ctx)
	require.NoError(t, err)
	require.False(t, f.openTrades(t)[0].ProfitLockApplied, "first write failed")

	_, err = f.manager.Check(ctx)
	require.NoError(t, err)

	assert.Len(t, ex.placed, 1, "stop moved once")
	assert.Len(t, ex.cancelAll, 1)
	assert.Equal(t, 1, f.lockNotices())
	assert.Empty(t, f.manager.locks)

	open := f.openTrades(t)
	require.Len(t, open, 1)
	assert.True(t, open[0].ProfitLockApplied)
	assert.Equal(t, 101.5, open[0].StopLoss)
	assert.Equal(t, int64(1), open[0].StopOrderID)
}

func TestCheck_FloorBreachCloses(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 103}},
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour))
	ctx := context.Background()

	_, err := f.manager.Check(ctx)
	require.NoError(t, err)
	require.Len(t, f.openTrades(t), 1)

	// pnl 2.8 = 0.28% <= 0.3% floor
	ex.setMark("BTCUSDT", 101.4)
	_, err = f.manager.Check(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.openTrades(t))
	logged := f.loggedTrades(t)
	require.Len(t, logged, 1)
	assert.Equal(t, domain.CloseReasonProfitFloor, logged[0].CloseReason)
	require.NotNil(t, logged[0].ExitPrice)
	assert.Equal(t, 101.4, *logged[0].ExitPrice, "mark price stands in when the fill price is unknown")
}

func TestCheck_TimeLimitWinsOverProfitTrigger(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 103}},
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, 20*time.Hour))

	_, err := f.manager.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, domain.OrderTypeMarket, ex.placed[0].Type)
	logged := f.loggedTrades(t)
	require.Len(t, logged, 1)
	assert.Equal(t, domain.CloseReasonTimeLimit, logged[0].CloseReason)
}

func TestCheck_ReconcilesExternallyClosedPositions(t *testing.T) {
	ex := &mockExchange{
		balance: 1000,
		ticker:  97,
		// Long ETH position against a short ETH record.
		positions: []*ports.PositionRisk{
			{Symbol: "ETHUSDT", PositionAmt: 1, EntryPrice: 50, MarkPrice: 50},
		},
	}
	f := newFixture(t, ex,
		openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour),
		openRecord("t2", "ETHUSDT", domain.Sell, 50, 1, time.Hour),
	)

	snap, err := f.manager.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Positions)

	assert.Empty(t, ex.placed, "reconciliation never trades")
	assert.Empty(t, f.openTrades(t))
	logged := f.loggedTrades(t)
	require.Len(t, logged, 2)
	assert.Equal(t, domain.CloseReasonExternal, logged[0].CloseReason)
	require.NotNil(t, logged[0].PNL)
	assert.InDelta(t, -6.0, *logged[0].PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonExternal, logged[1].CloseReason)
}

func TestCheck_FailedCloseKeepsRecordOpen(t *testing.T) {
	ex := &mockExchange{
		balance:   1000,
		orderErr:  ports.ErrOrderPlacementFailed,
		positions: []*ports.PositionRisk{{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 100}},
	}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, 21*time.Hour))

	_, err := f.manager.Check(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.openTrades(t), 1)
	assert.Empty(t, f.loggedTrades(t))
	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "Failed to close BTCUSDT")
}

func TestHandleOrderUpdate(t *testing.T) {
	ex := &mockExchange{balance: 1000}
	f := newFixture(t, ex, openRecord("t1", "BTCUSDT", domain.Buy, 100, 2, time.Hour))
	ctx := context.Background()

	f.manager.HandleOrderUpdate(ctx, &domain.OrderUpdate{Symbol: "BTCUSDT", Side: domain.Sell, Status: domain.OrderStatusFilled, AvgPrice: 95, OrigQty: 2})
	assert.Len(t, f.openTrades(t), 1, "entry-side fills are not closes")

	f.manager.HandleOrderUpdate(ctx, &domain.OrderUpdate{Symbol: "BTCUSDT", Side: domain.Sell, Status: domain.OrderStatusPartiallyFilled, ReduceOnly: true})
	assert.Len(t, f.openTrades(t), 1)

	f.manager.HandleOrderUpdate(ctx, &domain.OrderUpdate{
		Symbol:      "BTCUSDT",
		Side:        domain.Sell,
		Status:      domain.OrderStatusFilled,
		AvgPrice:    95,
		OrigQty:     2,
		RealizedPnL: -10,
		ReduceOnly:  true,
	})
	assert.Empty(t, f.openTrades(t))

	logged := f.loggedTrades(t)
	require.Len(t, logged, 1)
	assert.Equal(t, domain.CloseReasonOrderFilled, logged[0].CloseReason)
	assert.Equal(t, -10.0, *logged[0].PNL)
	assert.Equal(t, 95.0, *logged[0].ExitPrice)
	require.Len(t, f.notifier.messages, 1)
	assert.Equal(t, "Trade closed BTCUSDT\nClose Long\nPrice: 95\nQty: 2\nPnL: -10", f.notifier.messages[0])

	// A duplicate event finds nothing left to close.
	f.manager.HandleOrderUpdate(ctx, &domain.OrderUpdate{Symbol: "BTCUSDT", Side: domain.Sell, Status: domain.OrderStatusFilled, ReduceOnly: true})
	assert.Len(t, f.loggedTrades(t), 1)
}

func TestFloorStopPrice(t *testing.T) {
	assert.Equal(t, 101.5, FloorStopPrice(domain.Buy, 100, 2, 1000, 0.003, 0.1))
	assert.Equal(t, 98.5, FloorStopPrice(domain.Sell, 100, 2, 1000, 0.003, 0.1))
	assert.Equal(t, 100.0, FloorStopPrice(domain.Buy, 100, 0, 1000, 0.003, 0.1))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, &mockExchange{balance: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.manager.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
