package kmain

import (
	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"
)

// FlatLoadAddr is the virtual address flat images are loaded at.
const FlatLoadAddr = uintptr(0x8000)

var errEmptyImage = &kernel.Error{Module: "loader", Message: "image is empty", Kind: kernel.KindUsageFault}

// Loader places a program image into an address space and returns its entry
// point.
type Loader interface {
	Load(as *vmm.AddressSpace, image []byte) (uint32, error)
}

// FlatLoader loads raw binaries at FlatLoadAddr and maps them read-only.
// Execution starts at the first byte of the image.
type FlatLoader struct {
	alloc *pmm.Allocator
}

// NewFlatLoader returns a loader that allocates image memory from alloc.
func NewFlatLoader(alloc *pmm.Allocator) *FlatLoader {
	return &FlatLoader{alloc: alloc}
}

// Load implements Loader.
func (l *FlatLoader) Load(as *vmm.AddressSpace, image []byte) (uint32, error) {
	if len(image) == 0 {
		return 0, errEmptyImage
	}

	area, err := as.MapPages(FlatLoadAddr, uintptr(len(image)), vmm.PermRO)
	if err != nil {
		return 0, err
	}

	// The user mapping is read-only; fill the frames through RAM.
	for off := uintptr(0); off < uintptr(len(image)); off += mm.PageSize {
		end := off + mm.PageSize
		if end > uintptr(len(image)) {
			end = uintptr(len(image))
		}

		physAddr, err := area.PhysAddr(off)
		if err != nil {
			return 0, err
		}
		if err = l.alloc.Write(physAddr, image[off:end]); err != nil {
			return 0, err
		}
	}

	return uint32(FlatLoadAddr), nil
}
