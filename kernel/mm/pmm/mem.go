package pmm

import (
	"encoding/binary"

	"capos/kernel"
	"capos/kernel/mm"
)

var (
	// ErrBadPhysAddr is returned when a physical access falls outside RAM.
	ErrBadPhysAddr = &kernel.Error{Module: "pmm", Message: "physical address range is not backed by RAM", Kind: kernel.KindNotFound}
)

// Window returns a slice aliasing size bytes of RAM starting at physAddr.
// This is the kernel's physical memory window: writes through the slice
// update physical memory directly.
func (alloc *Allocator) Window(physAddr, size uintptr) ([]byte, error) {
	end := physAddr + size
	if end < physAddr || end > uintptr(len(alloc.ram)) {
		return nil, ErrBadPhysAddr
	}

	return alloc.ram[physAddr:end:end], nil
}

// Read copies len(buf) bytes starting at physAddr into buf.
func (alloc *Allocator) Read(physAddr uintptr, buf []byte) error {
	win, err := alloc.Window(physAddr, uintptr(len(buf)))
	if err != nil {
		return err
	}

	copy(buf, win)
	return nil
}

// Write copies buf to physical memory starting at physAddr.
func (alloc *Allocator) Write(physAddr uintptr, buf []byte) error {
	win, err := alloc.Window(physAddr, uintptr(len(buf)))
	if err != nil {
		return err
	}

	copy(win, buf)
	return nil
}

// Memset sets size bytes at the given physical address to the supplied value.
// Instead of using a for loop, this function uses log2(size) copy calls.
func (alloc *Allocator) Memset(physAddr uintptr, value byte, size uintptr) error {
	if size == 0 {
		return nil
	}

	target, err := alloc.Window(physAddr, size)
	if err != nil {
		return err
	}

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}

	return nil
}

// Memcopy copies size bytes from physical address src to physical address dst.
func (alloc *Allocator) Memcopy(src, dst uintptr, size uintptr) error {
	if size == 0 {
		return nil
	}

	srcSlice, err := alloc.Window(src, size)
	if err != nil {
		return err
	}

	dstSlice, err := alloc.Window(dst, size)
	if err != nil {
		return err
	}

	copy(dstSlice, srcSlice)
	return nil
}

// ZeroFrame clears the contents of frame.
func (alloc *Allocator) ZeroFrame(frame mm.Frame) error {
	return alloc.Memset(frame.Address(), 0, mm.PageSize)
}

// ReadWord reads the little-endian 32-bit word at physAddr.
func (alloc *Allocator) ReadWord(physAddr uintptr) (uint32, error) {
	win, err := alloc.Window(physAddr, mm.WordSize)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(win), nil
}

// WriteWord stores value as a little-endian 32-bit word at physAddr.
func (alloc *Allocator) WriteWord(physAddr uintptr, value uint32) error {
	win, err := alloc.Window(physAddr, mm.WordSize)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(win, value)
	return nil
}
