// Package mm contains the address and size primitives shared by the physical
// and virtual memory managers.
package mm

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = ^Frame(0)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uintptr) uintptr {
	return addr & (PageSize - 1)
}

// PageAligned returns true if addr sits on a page boundary.
func PageAligned(addr uintptr) bool {
	return PageOffset(addr) == 0
}

// RoundUp rounds size up to the next multiple of PageSize.
func RoundUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uintptr) int {
	return int(RoundUp(size) >> PageShift)
}
