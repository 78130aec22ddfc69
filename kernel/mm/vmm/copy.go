package vmm

import (
	"encoding/binary"

	"capos/kernel"
	"capos/kernel/mm"
)

var (
	// ErrPrivileged is returned when a user pointer refers to memory that is
	// only accessible from kernel mode.
	ErrPrivileged = &kernel.Error{Module: "vmm", Message: "user pointer references privileged memory", Kind: kernel.KindUsageFault}

	// ErrReadOnly is returned when writing through a read-only mapping.
	ErrReadOnly = &kernel.Error{Module: "vmm", Message: "destination page is read-only", Kind: kernel.KindUsageFault}
)

// userWindow returns a slice over the physical memory backing the part of
// [virtAddr, virtAddr+size) that lies in virtAddr's page.
func (as *AddressSpace) userWindow(virtAddr, size uintptr, write bool) ([]byte, error) {
	if virtAddr >= mm.KernelStart {
		return nil, ErrPrivileged
	}

	physAddr, perm, err := as.table.Translate(virtAddr)
	switch {
	case err != nil:
		return nil, err
	case perm == PermRWPriv:
		return nil, ErrPrivileged
	case write && perm == PermRO:
		return nil, ErrReadOnly
	}

	if room := mm.PageSize - mm.PageOffset(virtAddr); size > room {
		size = room
	}

	return as.alloc.Window(physAddr, size)
}

// Copy moves size bytes from srcAddr in src to dstAddr in dst one page
// slice at a time. It returns the number of bytes copied before any error.
func Copy(dst *AddressSpace, dstAddr uintptr, src *AddressSpace, srcAddr uintptr, size uintptr) (uintptr, error) {
	var copied uintptr
	for copied < size {
		dstWin, err := dst.userWindow(dstAddr+copied, size-copied, true)
		if err != nil {
			return copied, err
		}

		srcWin, err := src.userWindow(srcAddr+copied, uintptr(len(dstWin)), false)
		if err != nil {
			return copied, err
		}

		copied += uintptr(copy(dstWin, srcWin))
	}

	return copied, nil
}

// CopyIn reads len(buf) bytes from virtAddr into buf.
func (as *AddressSpace) CopyIn(virtAddr uintptr, buf []byte) (int, error) {
	copied := 0
	for copied < len(buf) {
		win, err := as.userWindow(virtAddr+uintptr(copied), uintptr(len(buf)-copied), false)
		if err != nil {
			return copied, err
		}
		copied += copy(buf[copied:], win)
	}

	return copied, nil
}

// CopyOut writes buf to virtAddr.
func (as *AddressSpace) CopyOut(virtAddr uintptr, buf []byte) (int, error) {
	copied := 0
	for copied < len(buf) {
		win, err := as.userWindow(virtAddr+uintptr(copied), uintptr(len(buf)-copied), true)
		if err != nil {
			return copied, err
		}
		copied += copy(win, buf[copied:])
	}

	return copied, nil
}

// ReadWord reads a little-endian word from virtAddr.
func (as *AddressSpace) ReadWord(virtAddr uintptr) (uint32, error) {
	var buf [4]byte
	if _, err := as.CopyIn(virtAddr, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteWord writes a little-endian word to virtAddr.
func (as *AddressSpace) WriteWord(virtAddr uintptr, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := as.CopyOut(virtAddr, buf[:])
	return err
}
