package redisstore

import (
	"context"
	"testing"
	"time"

	"reversalBot/internal/adapters/logger"
	"reversalBot/internal/domain"
	"reversalBot/internal/ports"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := New(context.Background(), Config{Addr: srv.Addr(), Prefix: "test", Logger: logger.NewNop()})
	require.NoError(t, err, "Failed to connect to in-process Redis")
	t.Cleanup(func() { store.Close() })
	return store, srv
}

func TestWrapKey(t *testing.T) {
	assert.Equal(t, "reversalbot:open-trades", wrapKey("reversalbot", "open-trades"))
	assert.Equal(t, "trade-cycle", wrapKey("", "trade-cycle"))
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNew_UnreachableServer(t *testing.T) {
	// Port 1 is reserved and refuses connections on any sane host.
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1", Logger: logger.NewNop()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
}

func TestStore_ReadMissingDocumentLeavesDefault(t *testing.T) {
	store, _ := setupTestStore(t)

	state := domain.TradeCycleState{Day: "default"}
	found, err := store.ReadJSON(context.Background(), "trade-cycle", &state)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "default", state.Day)
}

func TestStore_TradeRecordRoundTrip(t *testing.T) {
	store, srv := setupTestStore(t)
	ctx := context.Background()

	floor, exit, pnl := 0.003, 101.4, 2.8
	closedAt := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	want := []*domain.TradeRecord{{
		ID:                "a1",
		Symbol:            "BTCUSDT",
		Side:              domain.Buy,
		EntryPrice:        100,
		Quantity:          2,
		StopLoss:          101.5,
		StopOrderID:       12,
		ProfitLockApplied: true,
		ProfitFloor:       &floor,
		OpenedAt:          time.Date(2024, 5, 2, 0, 20, 0, 0, time.UTC),
		Status:            domain.StatusClosed,
		ClosedAt:          &closedAt,
		ExitPrice:         &exit,
		PNL:               &pnl,
		CloseReason:       domain.CloseReasonProfitFloor,
		Signal:            domain.SignalBullishHammer,
		FillAttempts:      3,
	}}
	require.NoError(t, store.WriteJSON(ctx, "open-trades", want))
	assert.True(t, srv.Exists("test:open-trades"), "keys carry the configured prefix")

	var got []*domain.TradeRecord
	found, err := store.ReadJSON(ctx, "open-trades", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

func TestStore_WriteReplacesDocument(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteJSON(ctx, "trade-cycle", domain.TradeCycleState{Day: "2024-05-01", TradedSymbols: []string{"ETHUSDT"}}))
	require.NoError(t, store.WriteJSON(ctx, "trade-cycle", domain.TradeCycleState{Day: "2024-05-02", TradedSymbols: []string{"BTCUSDT"}}))

	var state domain.TradeCycleState
	found, err := store.ReadJSON(ctx, "trade-cycle", &state)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.TradeCycleState{Day: "2024-05-02", TradedSymbols: []string{"BTCUSDT"}}, state)
}

func TestStore_CorruptDocument(t *testing.T) {
	store, srv := setupTestStore(t)
	require.NoError(t, srv.Set("test:trade-cycle", "{not json"))

	var state domain.TradeCycleState
	_, err := store.ReadJSON(context.Background(), "trade-cycle", &state)
	assert.ErrorIs(t, err, ports.ErrQueryFailed)
}

func TestStore_TradeLogAppendsInOrder(t *testing.T) {
	store, srv := setupTestStore(t)
	ctx := context.Background()

	lines, err := store.Lines(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)

	require.NoError(t, store.AppendLine(ctx, `{"id":"a1"}`))
	require.NoError(t, store.AppendLine(ctx, `{"id":"a2"}`))

	lines, err = store.Lines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":"a1"}`, `{"id":"a2"}`}, lines)

	raw, err := srv.List("test:trade-log")
	require.NoError(t, err)
	assert.Len(t, raw, 2)
}

func TestStore_UnavailableServer(t *testing.T) {
	store, srv := setupTestStore(t)
	srv.Close()

	err := store.WriteJSON(context.Background(), "trade-cycle", domain.TradeCycleState{Day: "2024-05-02"})
	assert.ErrorIs(t, err, ports.ErrUpdateFailed)
}
