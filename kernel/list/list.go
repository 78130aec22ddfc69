// Package list provides the kernel's queue primitive: a fixed-capacity arena
// of entries addressed by stable indices, and doubly-linked queues threaded
// through that arena. Every entry carries a single pair of links, so an entry
// can be a member of at most one queue at a time. Insertion and removal at
// either end, and removal of an arbitrary member, are O(1).
package list

// Arena is a fixed-capacity pool of entries addressed by stable indices. The
// index returned by Alloc stays valid until the entry is passed to Free.
type Arena[T any] struct {
	entries []entry[T]

	// free is the 1-based index of the first unused entry; unused entries
	// are chained through their next field.
	free int32
	used int
}

type entry[T any] struct {
	value T

	// prev and next are 1-based indices; 0 terminates the chain.
	prev, next int32
	inUse      bool
	queued     bool
}

// NewArena returns an arena that can hold up to capacity entries.
func NewArena[T any](capacity int) *Arena[T] {
	a := &Arena[T]{entries: make([]entry[T], capacity)}
	for i := capacity - 1; i >= 0; i-- {
		a.entries[i].next = a.free
		a.free = int32(i + 1)
	}

	return a
}

// Alloc stores v in a free entry and returns its index. Entries are handed
// out lowest index first on a fresh arena. The second return value is false
// when the arena is full.
func (a *Arena[T]) Alloc(v T) (int, bool) {
	if a.free == 0 {
		return -1, false
	}

	idx := a.free - 1
	e := &a.entries[idx]
	a.free = e.next
	*e = entry[T]{value: v, inUse: true}
	a.used++

	return int(idx), true
}

// Free returns the entry at idx to the arena. The entry must not be a member
// of any queue.
func (a *Arena[T]) Free(idx int) {
	e := &a.entries[idx]
	if !e.inUse {
		return
	}

	*e = entry[T]{next: a.free}
	a.free = int32(idx + 1)
	a.used--
}

// Value returns the value stored at idx.
func (a *Arena[T]) Value(idx int) T {
	return a.entries[idx].value
}

// Ptr returns a pointer to the value stored at idx.
func (a *Arena[T]) Ptr(idx int) *T {
	return &a.entries[idx].value
}

// InUse returns true if idx currently holds an allocated entry.
func (a *Arena[T]) InUse(idx int) bool {
	return idx >= 0 && idx < len(a.entries) && a.entries[idx].inUse
}

// Queued returns true if the entry at idx is linked into a queue.
func (a *Arena[T]) Queued(idx int) bool {
	return a.InUse(idx) && a.entries[idx].queued
}

// Len returns the number of allocated entries.
func (a *Arena[T]) Len() int { return a.used }

// Cap returns the arena capacity.
func (a *Arena[T]) Cap() int { return len(a.entries) }

// Each invokes fn for every allocated entry in index order. Iteration stops
// when fn returns false.
func (a *Arena[T]) Each(fn func(idx int, v T) bool) {
	for i := range a.entries {
		if !a.entries[i].inUse {
			continue
		}

		if !fn(i, a.entries[i].value) {
			return
		}
	}
}

// Queue is a FIFO/LIFO queue of arena entries with explicit head and tail
// indices.
type Queue[T any] struct {
	arena      *Arena[T]
	head, tail int32
	n          int
}

// NewQueue returns an empty queue whose members live in a.
func NewQueue[T any](a *Arena[T]) *Queue[T] {
	return &Queue[T]{arena: a}
}

// PushTail appends the entry at idx to the end of the queue.
func (q *Queue[T]) PushTail(idx int) {
	e := &q.arena.entries[idx]
	e.prev, e.next, e.queued = q.tail, 0, true

	if q.tail == 0 {
		q.head = int32(idx + 1)
	} else {
		q.arena.entries[q.tail-1].next = int32(idx + 1)
	}

	q.tail = int32(idx + 1)
	q.n++
}

// PushHead inserts the entry at idx in front of the queue.
func (q *Queue[T]) PushHead(idx int) {
	e := &q.arena.entries[idx]
	e.prev, e.next, e.queued = 0, q.head, true

	if q.head == 0 {
		q.tail = int32(idx + 1)
	} else {
		q.arena.entries[q.head-1].prev = int32(idx + 1)
	}

	q.head = int32(idx + 1)
	q.n++
}

// Head returns the index of the first entry without removing it.
func (q *Queue[T]) Head() (int, bool) {
	if q.head == 0 {
		return -1, false
	}

	return int(q.head - 1), true
}

// PopHead removes and returns the index of the first entry.
func (q *Queue[T]) PopHead() (int, bool) {
	idx, ok := q.Head()
	if ok {
		q.Remove(idx)
	}

	return idx, ok
}

// Remove unlinks the entry at idx, which must be a member of q.
func (q *Queue[T]) Remove(idx int) {
	e := &q.arena.entries[idx]

	if e.prev == 0 {
		q.head = e.next
	} else {
		q.arena.entries[e.prev-1].next = e.next
	}

	if e.next == 0 {
		q.tail = e.prev
	} else {
		q.arena.entries[e.next-1].prev = e.prev
	}

	e.prev, e.next, e.queued = 0, 0, false
	q.n--
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int { return q.n }

// Empty returns true if the queue has no members.
func (q *Queue[T]) Empty() bool { return q.n == 0 }

// Each visits the queue members from head to tail. Iteration stops when fn
// returns false. fn must not modify the queue.
func (q *Queue[T]) Each(fn func(idx int, v T) bool) {
	for cur := q.head; cur != 0; cur = q.arena.entries[cur-1].next {
		if !fn(int(cur-1), q.arena.entries[cur-1].value) {
			return
		}
	}
}
