package vmm

import (
	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
)

var (
	// ErrOutOfRange is returned when an offset or length exceeds the bounds
	// of a memory area.
	ErrOutOfRange = &kernel.Error{Module: "vmm", Message: "range exceeds the memory area", Kind: kernel.KindUsageFault}

	// ErrAreaReleased is returned when a pages area is used after its frames
	// went back to the allocator.
	ErrAreaReleased = &kernel.Error{Module: "vmm", Message: "memory area has been released", Kind: kernel.KindUsageFault}

	errEmptyArea = &kernel.Error{Module: "vmm", Message: "memory area size must be non-zero", Kind: kernel.KindUsageFault}
)

// AreaKind identifies how a MemArea is backed.
type AreaKind uint8

const (
	// AreaPages is backed by individually allocated, zero-filled frames.
	AreaPages AreaKind = iota

	// AreaPhys is a window over a fixed physical range such as a device.
	AreaPhys
)

// MemArea is a mappable region of physical memory.
type MemArea struct {
	kind     AreaKind
	size     uintptr
	frames   []mm.Frame
	physBase uintptr
}

// NewPagesArea allocates a zero-filled area of at least size bytes. The
// backing frames do not need to be physically contiguous.
func NewPagesArea(alloc *pmm.Allocator, size uintptr) (*MemArea, error) {
	if size == 0 {
		return nil, errEmptyArea
	}

	frames, err := alloc.AllocMulti(mm.Pages(size))
	if err != nil {
		return nil, err
	}

	for _, frame := range frames {
		if err = alloc.ZeroFrame(frame); err != nil {
			_ = alloc.FreeList(frames)
			return nil, err
		}
	}

	return &MemArea{kind: AreaPages, size: mm.RoundUp(size), frames: frames}, nil
}

// NewPhysArea returns an area describing size bytes of physical memory
// starting at the page-aligned address physAddr.
func NewPhysArea(size, physAddr uintptr) (*MemArea, error) {
	switch {
	case size == 0:
		return nil, errEmptyArea
	case !mm.PageAligned(physAddr):
		return nil, ErrUnaligned
	case physAddr+mm.RoundUp(size) < physAddr:
		return nil, ErrOutOfRange
	}

	return &MemArea{kind: AreaPhys, size: mm.RoundUp(size), physBase: physAddr}, nil
}

// Kind returns the backing type of the area.
func (a *MemArea) Kind() AreaKind { return a.kind }

// Size returns the page-rounded size of the area.
func (a *MemArea) Size() uintptr { return a.size }

// PhysAddr returns the physical address backing the given byte offset.
func (a *MemArea) PhysAddr(offset uintptr) (uintptr, error) {
	if offset >= a.size {
		return 0, ErrOutOfRange
	}

	switch {
	case a.kind == AreaPhys:
		return a.physBase + offset, nil
	case a.frames == nil:
		return 0, ErrAreaReleased
	}

	return a.frames[offset>>mm.PageShift].Address() + mm.PageOffset(offset), nil
}

// release returns any frames owned by the area to the allocator.
func (a *MemArea) release(alloc *pmm.Allocator) error {
	if a.kind != AreaPages || a.frames == nil {
		return nil
	}

	err := alloc.FreeList(a.frames)
	a.frames = nil
	return err
}
