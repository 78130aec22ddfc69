package vmm

import (
	"bytes"
	"testing"

	"capos/kernel"
	"capos/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemArea(t *testing.T) {
	alloc, _ := newTestTables(t, 16)

	area, err := NewPagesArea(alloc, 2*mm.PageSize+1)
	require.NoError(t, err)
	assert.Equal(t, AreaPages, area.Kind())
	assert.Equal(t, 3*mm.PageSize, area.Size())
	assert.Equal(t, 9, alloc.FreeFrames())

	physAddr, err := area.PhysAddr(mm.PageSize + 7)
	require.NoError(t, err)
	assert.Equal(t, area.frames[1].Address()+7, physAddr)

	_, err = area.PhysAddr(3 * mm.PageSize)
	assert.Equal(t, ErrOutOfRange, err)

	require.NoError(t, area.release(alloc))
	assert.Equal(t, 12, alloc.FreeFrames())

	_, err = NewPagesArea(alloc, 0)
	assert.Error(t, err)

	_, err = NewPagesArea(alloc, 64*mm.PageSize)
	assert.True(t, kernel.IsKind(err, kernel.KindResourceExhausted))

	phys, err := NewPhysArea(100, 0x10000)
	require.NoError(t, err)
	assert.Equal(t, AreaPhys, phys.Kind())
	physAddr, err = phys.PhysAddr(0x20)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10020), physAddr)

	_, err = NewPhysArea(100, 0x10001)
	assert.Equal(t, ErrUnaligned, err)
}

func TestAddressSpaceMap(t *testing.T) {
	alloc, master := newTestTables(t, 32)
	as, err := NewAddressSpace(alloc, master)
	require.NoError(t, err)

	area, err := NewPagesArea(alloc, 5*mm.PageSize)
	require.NoError(t, err)

	// the window straddles a section boundary
	base := mm.SectionSize - 2*mm.PageSize
	require.NoError(t, as.Map(area, base, mm.PageSize, 3*mm.PageSize, PermRW))
	require.Len(t, as.Mappings(), 1)

	for page := uintptr(0); page < 3; page++ {
		expPhys, err := area.PhysAddr((page+1)*mm.PageSize + 0x10)
		require.NoError(t, err)

		physAddr, err := as.Translate(base + page*mm.PageSize + 0x10)
		require.NoError(t, err, "[page %d]", page)
		assert.Equal(t, expPhys, physAddr, "[page %d]", page)
	}

	_, err = as.Translate(base - mm.PageSize)
	assert.Equal(t, ErrInvalidMapping, err)
	_, err = as.Translate(base + 3*mm.PageSize)
	assert.Equal(t, ErrInvalidMapping, err)

	specs := []struct {
		virtAddr, offset, length uintptr
		expErr                   error
	}{
		{base + 1, 0, mm.PageSize, ErrUnaligned},
		{0x8000, 1, mm.PageSize, ErrUnaligned},
		{0x8000, 4 * mm.PageSize, 2 * mm.PageSize, ErrOutOfRange},
		{0x8000, 0, 0, ErrOutOfRange},
		{mm.KernelStart - mm.PageSize, 0, 2 * mm.PageSize, ErrKernelRange},
		// overlaps the last page of the existing mapping
		{base - 2*mm.PageSize, 0, 3 * mm.PageSize, ErrMappingExists},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.expErr, as.Map(area, spec.virtAddr, spec.offset, spec.length, PermRW), "[spec %d]", specIndex)
	}

	// the rejected overlapping request left nothing behind
	assert.False(t, as.PageTable().IsMapped(base-2*mm.PageSize))
	assert.False(t, as.PageTable().IsMapped(base-mm.PageSize))
	require.Len(t, as.Mappings(), 1)

	freeBefore := alloc.FreeFrames()
	require.NoError(t, as.Unmap(base, 3*mm.PageSize))
	assert.Empty(t, as.Mappings())
	// nothing refers to the area any more, so its five frames are back
	assert.Equal(t, freeBefore+5, alloc.FreeFrames())
	_, err = area.PhysAddr(0)
	assert.Equal(t, ErrAreaReleased, err)
	assert.Equal(t, ErrAreaReleased, as.Map(area, 0x8000, 0, mm.PageSize, PermRW))
	assert.Equal(t, ErrInvalidMapping, as.Unmap(base, mm.PageSize))

	freeBefore = alloc.FreeFrames()
	require.NoError(t, as.Destroy())
	// four first-level frames and one coarse page
	assert.Equal(t, freeBefore+4+1, alloc.FreeFrames())
}

func TestAddressSpaceMapPages(t *testing.T) {
	alloc, master := newTestTables(t, 32)
	as, err := NewAddressSpace(alloc, master)
	require.NoError(t, err)

	area, err := as.MapPages(0x10000, mm.PageSize+1, PermRW)
	require.NoError(t, err)
	assert.Equal(t, 2*mm.PageSize, area.Size())
	assert.True(t, as.PageTable().IsMapped(0x11000))

	freeBefore := alloc.FreeFrames()
	_, err = as.MapPages(0x11000, mm.PageSize, PermRW)
	assert.Equal(t, ErrMappingExists, err)
	assert.Equal(t, freeBefore, alloc.FreeFrames())

	_, err = as.MapPages(mm.KernelStart-mm.PageSize, 2*mm.PageSize, PermRW)
	assert.Equal(t, ErrKernelRange, err)
	assert.Equal(t, freeBefore, alloc.FreeFrames())

	// map/unmap cycles do not hold on to frames
	for i := 0; i < 3; i++ {
		_, err = as.MapPages(0x40000, 2*mm.PageSize, PermRW)
		require.NoError(t, err, "[cycle %d]", i)
		require.NoError(t, as.Unmap(0x40000, 2*mm.PageSize), "[cycle %d]", i)
		assert.Equal(t, freeBefore, alloc.FreeFrames(), "[cycle %d]", i)
	}

	// a partially unmapped area stays alive
	require.NoError(t, as.Unmap(0x10000, mm.PageSize))
	assert.Equal(t, freeBefore, alloc.FreeFrames())
	_, err = area.PhysAddr(mm.PageSize)
	assert.NoError(t, err)
}

func TestAddressSpaceCopy(t *testing.T) {
	alloc, master := newTestTables(t, 48)

	newSpace := func(perm Permission) *AddressSpace {
		as, err := NewAddressSpace(alloc, master)
		require.NoError(t, err)
		area, err := NewPagesArea(alloc, 3*mm.PageSize)
		require.NoError(t, err)
		require.NoError(t, as.Map(area, 0x10000, 0, area.Size(), perm))
		return as
	}

	src, dst := newSpace(PermRW), newSpace(PermRW)

	payload := make([]byte, mm.PageSize+100)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	srcAddr := uintptr(0x10000 + mm.PageSize - 50)
	n, err := src.CopyOut(srcAddr, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	dstAddr := uintptr(0x10000 + 3)
	copied, err := Copy(dst, dstAddr, src, srcAddr, uintptr(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, uintptr(len(payload)), copied)

	got := make([]byte, len(payload))
	_, err = dst.CopyIn(dstAddr, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	require.NoError(t, dst.WriteWord(0x10100, 0xdeadbeef))
	word, err := dst.ReadWord(0x10100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), word)

	// copies stop at the first unmapped page and report progress
	copied, err = Copy(dst, 0x10000+2*mm.PageSize, src, 0x10000, 2*mm.PageSize)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Equal(t, mm.PageSize, copied)

	ro := newSpace(PermRO)
	_, err = Copy(ro, 0x10000, src, 0x10000, 4)
	assert.Equal(t, ErrReadOnly, err)
	_, err = ro.CopyIn(0x10000, got[:4])
	assert.NoError(t, err)

	_, err = src.CopyIn(mm.KernelStart+0x100, got[:4])
	assert.Equal(t, ErrPrivileged, err)

	priv := newSpace(PermRWPriv)
	_, err = Copy(src, 0x10000, priv, 0x10000, 4)
	assert.Equal(t, ErrPrivileged, err)
}
