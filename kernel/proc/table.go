package proc

// slotTable is a fixed-size table of process-local slots. A slot holding the
// zero value of T is free. Automatic allocation never hands out slots below
// reserved.
type slotTable[T comparable] struct {
	slots    []T
	reserved int
	used     int
}

func newSlotTable[T comparable](size, reserved int) *slotTable[T] {
	return &slotTable[T]{slots: make([]T, size), reserved: reserved}
}

// alloc stores v in the lowest free slot at or above reserved.
func (t *slotTable[T]) alloc(v T) (int, bool) {
	var zero T
	for idx := t.reserved; idx < len(t.slots); idx++ {
		if t.slots[idx] == zero {
			t.slots[idx] = v
			t.used++
			return idx, true
		}
	}

	return -1, false
}

func (t *slotTable[T]) valid(idx int) bool {
	return idx >= 0 && idx < len(t.slots)
}

func (t *slotTable[T]) get(idx int) (T, bool) {
	var zero T
	if !t.valid(idx) || t.slots[idx] == zero {
		return zero, false
	}

	return t.slots[idx], true
}

func (t *slotTable[T]) set(idx int, v T) {
	var zero T
	if t.slots[idx] == zero {
		t.used++
	}
	t.slots[idx] = v
}

func (t *slotTable[T]) clear(idx int) (T, bool) {
	v, ok := t.get(idx)
	if ok {
		var zero T
		t.slots[idx] = zero
		t.used--
	}

	return v, ok
}

// drain clears every occupied slot, passing its value to fn in slot order.
func (t *slotTable[T]) drain(fn func(idx int, v T)) {
	var zero T
	for idx, v := range t.slots {
		if v == zero {
			continue
		}

		t.slots[idx] = zero
		t.used--
		fn(idx, v)
	}
}
