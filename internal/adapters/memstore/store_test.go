package memstore

import (
	"context"
	"testing"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ports.DocumentStore = (*Store)(nil)
	_ ports.TradeLog      = (*Store)(nil)
)

func TestStore_RoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	cache := domain.AtrCache{"BTCUSDT": {Symbol: "BTCUSDT", ATR: 1500, Day: "2024-05-01"}}
	require.NoError(t, s.WriteJSON(ctx, "atr-cache", cache))

	got := domain.AtrCache{}
	found, err := s.ReadJSON(ctx, "atr-cache", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cache, got)

	found, err = s.ReadJSON(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Lines(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AppendLine(ctx, "a"))
	require.NoError(t, s.AppendLine(ctx, "b"))

	lines, err := s.Lines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}
