package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(q *Queue[string]) []string {
	var out []string
	for {
		idx, ok := q.PopHead()
		if !ok {
			return out
		}
		out = append(out, q.arena.Value(idx))
	}
}

func TestArenaAllocFree(t *testing.T) {
	a := NewArena[string](3)

	for i, v := range []string{"a", "b", "c"} {
		idx, ok := a.Alloc(v)
		require.True(t, ok)
		assert.Equal(t, i, idx)
	}

	_, ok := a.Alloc("d")
	assert.False(t, ok, "expected a full arena to reject allocations")
	assert.Equal(t, 3, a.Len())

	a.Free(1)
	assert.False(t, a.InUse(1))
	assert.Equal(t, 2, a.Len())

	idx, ok := a.Alloc("e")
	require.True(t, ok)
	assert.Equal(t, 1, idx, "expected the released slot to be reused")
	assert.Equal(t, "e", a.Value(idx))

	*a.Ptr(idx) = "f"
	assert.Equal(t, "f", a.Value(idx))

	// Freeing twice is a no-op
	a.Free(2)
	a.Free(2)
	assert.Equal(t, 2, a.Len())
	assert.False(t, a.InUse(-1))
	assert.False(t, a.InUse(10))
}

func TestQueueOrdering(t *testing.T) {
	a := NewArena[string](8)
	q := NewQueue(a)

	specs := []struct {
		ops []string
		exp []string
	}{
		{[]string{"t:a", "t:b", "t:c"}, []string{"a", "b", "c"}},
		{[]string{"h:a", "h:b", "h:c"}, []string{"c", "b", "a"}},
		{[]string{"t:a", "h:b", "t:c", "h:d"}, []string{"d", "b", "a", "c"}},
	}

	for specIndex, spec := range specs {
		for _, op := range spec.ops {
			idx, ok := a.Alloc(op[2:])
			require.True(t, ok)
			if op[0] == 'h' {
				q.PushHead(idx)
			} else {
				q.PushTail(idx)
			}
			assert.True(t, a.Queued(idx))
		}

		got := drain(q)
		assert.Equal(t, spec.exp, got, "[spec %d]", specIndex)
		assert.True(t, q.Empty())

		a.Each(func(idx int, _ string) bool {
			a.Free(idx)
			return true
		})
	}
}

func TestQueueRemove(t *testing.T) {
	a := NewArena[int](5)
	q := NewQueue(a)

	var idx [5]int
	for i := range idx {
		idx[i], _ = a.Alloc(i)
		q.PushTail(idx[i])
	}

	// middle, head and tail removals
	q.Remove(idx[2])
	q.Remove(idx[0])
	q.Remove(idx[4])
	assert.Equal(t, 2, q.Len())
	assert.False(t, a.Queued(idx[2]))

	var got []int
	q.Each(func(_ int, v int) bool {
		got = append(got, v)
		return true
	})
	assert.Equal(t, []int{1, 3}, got)

	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, idx[1], head)
}

func TestQueuesShareArena(t *testing.T) {
	a := NewArena[int](4)
	q1, q2 := NewQueue(a), NewQueue(a)

	i0, _ := a.Alloc(0)
	i1, _ := a.Alloc(1)
	q1.PushTail(i0)
	q2.PushTail(i1)

	q1.Remove(i0)
	q2.PushTail(i0)

	assert.True(t, q1.Empty())
	assert.Equal(t, 2, q2.Len())

	first, _ := q2.PopHead()
	assert.Equal(t, i1, first)
}
