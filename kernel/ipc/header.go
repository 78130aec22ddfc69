package ipc

import "capos/kernel/mm"

// Segment is one piece of a scatter/gather payload in the virtual address
// space of the process that supplied it.
type Segment struct {
	Addr uintptr
	Len  uintptr
}

// Header describes a message payload as an ordered list of segments. The
// optional objects region is a range of the logical payload, ObjectsOffset
// bytes from its start, holding ObjectsCount capability handles.
type Header struct {
	Segments      []Segment
	ObjectsOffset uintptr
	ObjectsCount  int
}

// Len returns the total payload length.
func (h Header) Len() uintptr {
	var total uintptr
	for _, seg := range h.Segments {
		total += seg.Len
	}
	return total
}

// objectsRange returns the logical byte range of the objects region.
func (h Header) objectsRange() (uintptr, uintptr) {
	if h.ObjectsCount <= 0 {
		return ^uintptr(0), ^uintptr(0)
	}

	return h.ObjectsOffset, h.ObjectsOffset + uintptr(h.ObjectsCount)*mm.WordSize
}

// locate maps a logical payload offset to a segment index and the position
// inside that segment.
func (h Header) locate(offset uintptr) (int, uintptr, bool) {
	for idx, seg := range h.Segments {
		if offset < seg.Len {
			return idx, offset, true
		}
		offset -= seg.Len
	}

	return -1, 0, false
}
