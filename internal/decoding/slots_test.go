package decoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTableHandsOutLowestFreeSlot(t *testing.T) {
	table := NewSlotTable(3)
	for want := 0; want < 3; want++ {
		slot, ok := table.Acquire()
		require.True(t, ok)
		assert.Equal(t, want, slot)
	}
	_, ok := table.Acquire()
	assert.False(t, ok, "table is full")

	require.NoError(t, table.Release(1))
	require.NoError(t, table.Release(0))
	assert.Equal(t, []int{2}, table.Active())
	assert.Equal(t, 2, table.Free())

	slot, ok := table.Acquire()
	require.True(t, ok)
	assert.Equal(t, 0, slot)
	assert.Equal(t, []int{0, 2}, table.Active())
}

func TestSlotTableRejectsUnknownSlots(t *testing.T) {
	table := NewSlotTable(2)
	assert.ErrorIs(t, table.Release(0), ErrInvariant)
	assert.ErrorIs(t, table.Release(5), ErrInvariant)
	assert.Equal(t, 2, table.Size())
}
