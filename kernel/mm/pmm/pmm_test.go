package pmm

import (
	"testing"

	"capos/kernel"
	"capos/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, frames int) *Allocator {
	t.Helper()
	alloc, err := NewAllocator(uintptr(frames) * mm.PageSize)
	require.NoError(t, err)
	return alloc
}

func TestNewAllocator(t *testing.T) {
	specs := []struct {
		size   uintptr
		expErr error
	}{
		{0, ErrInvalidRAMSize},
		{mm.PageSize + 1, ErrInvalidRAMSize},
		{16 * mm.PageSize, nil},
	}

	for specIndex, spec := range specs {
		alloc, err := NewAllocator(spec.size)
		if spec.expErr != nil {
			assert.Equal(t, spec.expErr, err, "[spec %d]", specIndex)
			continue
		}

		require.NoError(t, err, "[spec %d]", specIndex)
		assert.Equal(t, 16, alloc.TotalFrames())
		assert.Equal(t, 16, alloc.FreeFrames())
		assert.Equal(t, spec.size, alloc.RAMSize())
	}
}

func TestAllocAndFree(t *testing.T) {
	alloc := newTestAllocator(t, 4)

	var frames []mm.Frame
	for i := 0; i < 4; i++ {
		frame, err := alloc.Alloc()
		require.NoError(t, err)
		assert.True(t, alloc.InUse(frame))
		frames = append(frames, frame)
	}

	_, err := alloc.Alloc()
	assert.Equal(t, ErrNoFreeFrames, err)
	assert.True(t, kernel.IsKind(err, kernel.KindResourceExhausted))

	require.NoError(t, alloc.Free(frames[2]))
	assert.Equal(t, 1, alloc.FreeFrames())
	assert.Equal(t, ErrDoubleFree, alloc.Free(frames[2]))
	assert.Equal(t, ErrInvalidFrame, alloc.Free(mm.Frame(99)))
	assert.Equal(t, ErrInvalidFrame, alloc.Free(mm.InvalidFrame))

	frame, err := alloc.Alloc()
	require.NoError(t, err)
	assert.Equal(t, frames[2], frame)
}

func TestAllocMulti(t *testing.T) {
	alloc := newTestAllocator(t, 8)

	frames, err := alloc.AllocMulti(5)
	require.NoError(t, err)
	assert.Len(t, frames, 5)
	assert.Equal(t, 3, alloc.FreeFrames())

	_, err = alloc.AllocMulti(4)
	assert.Equal(t, ErrNoFreeFrames, err)
	assert.Equal(t, 3, alloc.FreeFrames(), "failed multi allocation must not leak frames")

	require.NoError(t, alloc.FreeList(frames))
	assert.Equal(t, 8, alloc.FreeFrames())
}

func TestAllocContig(t *testing.T) {
	alloc := newTestAllocator(t, 16)

	// Occupy frame 1 so that the first aligned run of 4 starts at frame 4
	first, err := alloc.Alloc()
	require.NoError(t, err)
	second, err := alloc.Alloc()
	require.NoError(t, err)
	require.NoError(t, alloc.Free(first))
	require.Equal(t, mm.Frame(1), second)

	frames, err := alloc.AllocContig(4, 4)
	require.NoError(t, err)
	assert.Equal(t, []mm.Frame{4, 5, 6, 7}, frames)

	// Unaligned requests may start anywhere
	frames, err = alloc.AllocContig(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []mm.Frame{2, 3}, frames)

	_, err = alloc.AllocContig(4, 16)
	assert.Equal(t, ErrNoFreeFrames, err)

	_, err = alloc.AllocContig(0, 1)
	assert.Error(t, err)

	// A frame handed out by AllocContig must no longer be on the free queue
	before := alloc.FreeFrames()
	for i := 0; i < before; i++ {
		frame, err := alloc.Alloc()
		require.NoError(t, err)
		assert.False(t, frame >= 2 && frame <= 7, "frame %d allocated twice", frame)
	}
}

func TestPhysicalAccess(t *testing.T) {
	alloc := newTestAllocator(t, 2)

	require.NoError(t, alloc.Write(0x10, []byte("gopher")))
	buf := make([]byte, 6)
	require.NoError(t, alloc.Read(0x10, buf))
	assert.Equal(t, "gopher", string(buf))

	require.NoError(t, alloc.Memcopy(0x10, mm.PageSize, 6))
	require.NoError(t, alloc.Read(mm.PageSize, buf))
	assert.Equal(t, "gopher", string(buf))

	require.NoError(t, alloc.Memset(0, 0xaa, mm.PageSize))
	win, err := alloc.Window(0, mm.PageSize)
	require.NoError(t, err)
	for i, b := range win {
		if b != 0xaa {
			t.Fatalf("expected byte %d to be 0xaa; got %x", i, b)
		}
	}

	require.NoError(t, alloc.ZeroFrame(0))
	assert.Equal(t, byte(0), win[100])

	require.NoError(t, alloc.WriteWord(8, 0xdeadbeef))
	word, err := alloc.ReadWord(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), word)
	assert.Equal(t, byte(0xef), win[8], "words are stored little-endian")

	_, err = alloc.Window(2*mm.PageSize-2, 4)
	assert.Equal(t, ErrBadPhysAddr, err)
	assert.Equal(t, ErrBadPhysAddr, alloc.Write(^uintptr(0)-1, []byte{1, 2, 3}))
}
