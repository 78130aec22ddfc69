package ipc

import (
	"encoding/binary"

	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
)

// capKey identifies a source handle within one source segment.
type capKey struct {
	segment int
	handle  int32
}

// translateCache remembers the destination handle created for each source
// handle per source segment, so a capability is duplicated at most once per
// segment for the lifetime of a message.
type translateCache map[capKey]int32

// invalidHandle is written in place of a handle that does not resolve in the
// sending process.
const invalidHandle = int32(-1)

// copyPayload fills the dst segments in order from the logical concatenation
// of the src segments, starting srcOffset bytes into the source payload.
// Handles in the source objects region are translated into dst. Running out
// of either side yields a short count, not an error; a handle that no longer
// fits in the remaining destination space is not transferred.
func (ipc *IPC) copyPayload(dst *proc.Process, dstHdr Header, src *proc.Process, srcHdr Header, srcOffset uintptr, cache translateCache) (uintptr, error) {
	var (
		total            uintptr
		objStart, objEnd = srcHdr.objectsRange()
		out              = scatter{segs: dstHdr.Segments}
	)

	for {
		room := out.room()
		if room == 0 {
			return total, nil
		}

		segIdx, segPos, ok := srcHdr.locate(srcOffset)
		if !ok {
			return total, nil
		}

		sseg := srcHdr.Segments[segIdx]
		srcAddr := sseg.Addr + segPos

		if srcOffset >= objStart && srcOffset < objEnd {
			if (srcOffset-objStart)%mm.WordSize != 0 || sseg.Len-segPos < mm.WordSize {
				return total, ErrCapabilitySlot
			}
			if out.remaining() < mm.WordSize {
				return total, nil
			}

			handle, err := ipc.translate(dst, src, srcAddr, segIdx, cache)
			if err != nil {
				return total, err
			}

			var word [mm.WordSize]byte
			binary.LittleEndian.PutUint32(word[:], uint32(handle))
			n, err := out.write(dst.AddressSpace(), word[:])
			total += n
			if err != nil {
				return total, err
			}
			srcOffset += mm.WordSize
			continue
		}

		chunk := min(room, sseg.Len-segPos)
		if srcOffset < objStart && srcOffset+chunk > objStart {
			chunk = objStart - srcOffset
		}

		n, err := vmm.Copy(dst.AddressSpace(), out.addr(), src.AddressSpace(), srcAddr, chunk)
		if err != nil {
			return total + n, err
		}

		out.advance(chunk)
		total += chunk
		srcOffset += chunk
	}
}

// translate duplicates the handle stored at srcAddr in src into dst and
// returns the handle to write in its place.
func (ipc *IPC) translate(dst *proc.Process, src *proc.Process, srcAddr uintptr, segIdx int, cache translateCache) (int32, error) {
	word, err := src.AddressSpace().ReadWord(srcAddr)
	if err != nil {
		return invalidHandle, err
	}

	key := capKey{segment: segIdx, handle: int32(word)}
	if out, cached := cache[key]; cached {
		return out, nil
	}

	handle, err := dst.DupObjectRef(src, int(key.handle))
	switch {
	case err == nil:
		cache[key] = int32(handle)
		ipc.observer.CapabilityDuplicated()
		return int32(handle), nil
	case kernel.IsKind(err, kernel.KindNotFound):
		return invalidHandle, nil
	default:
		return invalidHandle, err
	}
}

// scatter is a write position within the segments of a header.
type scatter struct {
	segs []Segment
	idx  int
	pos  uintptr
}

// room returns the space left in the current segment, skipping exhausted
// ones. Zero means every segment is full.
func (c *scatter) room() uintptr {
	for ; c.idx < len(c.segs); c.idx, c.pos = c.idx+1, 0 {
		if r := c.segs[c.idx].Len - c.pos; r > 0 {
			return r
		}
	}
	return 0
}

// remaining returns the space left across all segments.
func (c *scatter) remaining() uintptr {
	r := c.room()
	for _, seg := range c.segs[min(c.idx+1, len(c.segs)):] {
		r += seg.Len
	}
	return r
}

func (c *scatter) addr() uintptr { return c.segs[c.idx].Addr + c.pos }

func (c *scatter) advance(n uintptr) { c.pos += n }

// write copies data to as at the current position, crossing segment
// boundaries as needed.
func (c *scatter) write(as *vmm.AddressSpace, data []byte) (uintptr, error) {
	var total uintptr
	for len(data) > 0 {
		room := c.room()
		if room == 0 {
			break
		}

		n := min(room, uintptr(len(data)))
		copied, err := as.CopyOut(c.addr(), data[:n])
		total += uintptr(copied)
		c.advance(uintptr(copied))
		if err != nil {
			return total, err
		}
		data = data[n:]
	}

	return total, nil
}

// copyOut scatters a kernel buffer over the segments of hdr in as.
func copyOut(as *vmm.AddressSpace, hdr Header, data []byte) (uintptr, error) {
	out := scatter{segs: hdr.Segments}
	return out.write(as, data)
}
