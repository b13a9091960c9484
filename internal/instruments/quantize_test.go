package instruments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		value, step, want float64
	}{
		{2.0, 0.1, 2.0},
		{2.09, 0.1, 2.0},
		{0.3, 0.1, 0.3}, // 0.3/0.1 is 2.9999999999999996 in float64
		{123.456, 0.001, 123.456},
		{7.9, 1, 7},
		{0.04, 0.1, 0},
		{5.5, 0, 5.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FloorToStep(tt.value, tt.step), "FloorToStep(%v, %v)", tt.value, tt.step)
	}
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 100.6, RoundToTick(100.62, 0.1))
	assert.Equal(t, 100.7, RoundToTick(100.65, 0.1))
	assert.Equal(t, 95.0, RoundToTick(95.0, 0.01))
	assert.Equal(t, 0.12345, RoundToTick(0.123449, 0.00001))
	assert.Equal(t, 42.42, RoundToTick(42.42, 0))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2.0", Format(2, 0.1))
	assert.Equal(t, "100.600", Format(100.6, 0.001))
	assert.Equal(t, "7", Format(7, 1))
	assert.Equal(t, int32(8), Precision(0))
}

func TestSubAdd(t *testing.T) {
	assert.Equal(t, 1.2, Sub(2.0, 0.8))
	assert.Equal(t, 0.3, Add(0.1, 0.2))
}
