package decoding

import (
	"slices"
	"sync"
)

// SlotTable is the batch-slot arena: a fixed set of slots in
// [0, maxBatchSize) and a free list. Slots are handed out lowest first so
// that a lightly loaded engine keeps its active slots dense.
type SlotTable struct {
	mu     sync.Mutex
	size   int
	free   []int
	active map[int]struct{}
}

// NewSlotTable returns a table with every slot free.
func NewSlotTable(maxBatchSize int) *SlotTable {
	t := &SlotTable{
		size:   maxBatchSize,
		free:   make([]int, 0, maxBatchSize),
		active: make(map[int]struct{}, maxBatchSize),
	}
	for s := maxBatchSize - 1; s >= 0; s-- {
		t.free = append(t.free, s)
	}
	return t
}

// Acquire takes the lowest free slot. It reports false when the table is full.
func (t *SlotTable) Acquire() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return -1, false
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.active[slot] = struct{}{}
	return slot, true
}

// Release returns slot to the free list.
func (t *SlotTable) Release(slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= t.size {
		return invariantErrorf("slot %d outside [0, %d)", slot, t.size)
	}
	if _, ok := t.active[slot]; !ok {
		return invariantErrorf("slot %d is not active", slot)
	}
	delete(t.active, slot)
	// Keep the free list sorted descending so Acquire pops the lowest slot.
	i, _ := slices.BinarySearchFunc(t.free, slot, func(a, b int) int { return b - a })
	t.free = slices.Insert(t.free, i, slot)
	return nil
}

// Active returns the active slots in ascending order.
func (t *SlotTable) Active() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.active))
	for s := range t.active {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (t *SlotTable) Size() int { return t.size }

// Free returns the number of free slots.
func (t *SlotTable) Free() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free)
}
