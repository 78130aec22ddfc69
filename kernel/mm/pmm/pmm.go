// Package pmm manages the physical frames of the machine's RAM. It owns the
// backing store of physical memory and hands out frames either one at a
// time, as scattered lists or as aligned contiguous runs.
package pmm

import (
	"capos/kernel"
	"capos/kernel/list"
	"capos/kernel/mm"
)

var (
	// ErrNoFreeFrames is returned when the allocator cannot satisfy a request.
	ErrNoFreeFrames = &kernel.Error{Module: "pmm", Message: "out of physical memory frames", Kind: kernel.KindResourceExhausted}

	// ErrInvalidFrame is returned when a frame outside the managed RAM is released.
	ErrInvalidFrame = &kernel.Error{Module: "pmm", Message: "frame is not managed by this allocator", Kind: kernel.KindUsageFault}

	// ErrDoubleFree is returned when releasing a frame that is already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free", Kind: kernel.KindUsageFault}

	// ErrInvalidRAMSize is returned by NewAllocator for sizes that are not a
	// positive multiple of the page size.
	ErrInvalidRAMSize = &kernel.Error{Module: "pmm", Message: "RAM size must be a positive multiple of the page size", Kind: kernel.KindUsageFault}

	errBadRequest = &kernel.Error{Module: "pmm", Message: "invalid allocation request", Kind: kernel.KindUsageFault}
)

type frameState uint8

const (
	frameFree frameState = iota
	frameInUse
)

// Allocator implements a physical frame allocator over a simulated RAM
// bank that starts at physical address 0. Each frame has a record in an
// index-addressed arena whose index is the frame number; free frames are
// additionally linked into a free queue so single-frame allocations are O(1).
type Allocator struct {
	ram    []byte
	frames *list.Arena[frameState]
	free   *list.Queue[frameState]
}

// NewAllocator returns an allocator managing ramSize bytes of RAM.
func NewAllocator(ramSize uintptr) (*Allocator, error) {
	if ramSize == 0 || !mm.PageAligned(ramSize) {
		return nil, ErrInvalidRAMSize
	}

	count := int(ramSize >> mm.PageShift)
	alloc := &Allocator{
		ram:    make([]byte, ramSize),
		frames: list.NewArena[frameState](count),
	}
	alloc.free = list.NewQueue(alloc.frames)

	// A fresh arena hands out indices in ascending order so record i
	// describes frame i.
	for i := 0; i < count; i++ {
		idx, _ := alloc.frames.Alloc(frameFree)
		alloc.free.PushTail(idx)
	}

	return alloc, nil
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *Allocator) TotalFrames() int { return alloc.frames.Cap() }

// FreeFrames returns the number of frames available for allocation.
func (alloc *Allocator) FreeFrames() int { return alloc.free.Len() }

// RAMSize returns the size of the managed RAM in bytes.
func (alloc *Allocator) RAMSize() uintptr { return uintptr(len(alloc.ram)) }

// Alloc reserves a single frame.
func (alloc *Allocator) Alloc() (mm.Frame, error) {
	idx, ok := alloc.free.PopHead()
	if !ok {
		return mm.InvalidFrame, ErrNoFreeFrames
	}

	*alloc.frames.Ptr(idx) = frameInUse
	return mm.Frame(idx), nil
}

// AllocMulti reserves count frames that need not be contiguous. Either all
// frames are reserved or none are.
func (alloc *Allocator) AllocMulti(count int) ([]mm.Frame, error) {
	if count < 0 {
		return nil, errBadRequest
	}

	if count > alloc.free.Len() {
		return nil, ErrNoFreeFrames
	}

	frames := make([]mm.Frame, 0, count)
	for n := 0; n < count; n++ {
		frame, err := alloc.Alloc()
		if err != nil {
			_ = alloc.FreeList(frames)
			return nil, err
		}
		frames = append(frames, frame)
	}

	return frames, nil
}

// AllocContig reserves count physically contiguous frames whose first frame
// number is a multiple of align.
func (alloc *Allocator) AllocContig(align, count int) ([]mm.Frame, error) {
	if align <= 0 || count <= 0 {
		return nil, errBadRequest
	}

	total := alloc.frames.Cap()
	for start := 0; start+count <= total; start += align {
		n := 0
		for ; n < count; n++ {
			if alloc.frames.Value(start+n) != frameFree {
				break
			}
		}

		if n != count {
			continue
		}

		frames := make([]mm.Frame, count)
		for n = 0; n < count; n++ {
			alloc.free.Remove(start + n)
			*alloc.frames.Ptr(start + n) = frameInUse
			frames[n] = mm.Frame(start + n)
		}

		return frames, nil
	}

	return nil, ErrNoFreeFrames
}

// Free releases a frame previously returned by one of the Alloc calls.
func (alloc *Allocator) Free(frame mm.Frame) error {
	if !frame.Valid() || int(frame) >= alloc.frames.Cap() {
		return ErrInvalidFrame
	}

	idx := int(frame)
	if alloc.frames.Value(idx) == frameFree {
		return ErrDoubleFree
	}

	*alloc.frames.Ptr(idx) = frameFree
	alloc.free.PushTail(idx)
	return nil
}

// FreeList releases every frame in frames and reports the first error.
func (alloc *Allocator) FreeList(frames []mm.Frame) error {
	var firstErr error
	for _, frame := range frames {
		if err := alloc.Free(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// InUse returns true if frame is currently allocated.
func (alloc *Allocator) InUse(frame mm.Frame) bool {
	return frame.Valid() && int(frame) < alloc.frames.Cap() && alloc.frames.Value(int(frame)) == frameInUse
}
