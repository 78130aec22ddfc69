package vmm

import (
	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
)

// ErrKernelRange is returned when a user mapping would reach into the kernel
// half of the address space.
var ErrKernelRange = &kernel.Error{Module: "vmm", Message: "virtual range overlaps the kernel half of the address space", Kind: kernel.KindUsageFault}

// Mapping records a window of a MemArea installed into an AddressSpace.
type Mapping struct {
	Area   *MemArea
	VAddr  uintptr
	Offset uintptr
	Length uintptr
	Perm   Permission
}

// AddressSpace is the user view of memory for one process: a page table
// whose kernel half mirrors the master table plus the areas mapped into it.
type AddressSpace struct {
	alloc    *pmm.Allocator
	table    *PageTable
	mappings []Mapping
	areas    []*MemArea
}

// NewAddressSpace creates an empty address space sharing the kernel half of
// master.
func NewAddressSpace(alloc *pmm.Allocator, master *PageTable) (*AddressSpace, error) {
	table, err := NewPageTable(alloc, master)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{alloc: alloc, table: table}, nil
}

// PageTable returns the page table backing the address space.
func (as *AddressSpace) PageTable() *PageTable { return as.table }

// Mappings returns the currently installed mappings.
func (as *AddressSpace) Mappings() []Mapping { return as.mappings }

// Map installs length bytes of area, starting at offset, at virtAddr. The
// whole window is checked for overlaps before any entry is written, so a
// failed call leaves the address space unchanged. The address space takes
// ownership of the area.
func (as *AddressSpace) Map(area *MemArea, virtAddr, offset, length uintptr, perm Permission) error {
	if !mm.PageAligned(virtAddr) || !mm.PageAligned(offset) {
		return ErrUnaligned
	}

	length = mm.RoundUp(length)
	if length == 0 || offset+length < offset || offset+length > area.Size() {
		return ErrOutOfRange
	}

	end := virtAddr + length
	if end < virtAddr || end > mm.KernelStart {
		return ErrKernelRange
	}

	for addr := virtAddr; addr < end; addr += mm.PageSize {
		if as.table.IsMapped(addr) {
			return ErrMappingExists
		}
	}

	for off := uintptr(0); off < length; off += mm.PageSize {
		physAddr, err := area.PhysAddr(offset + off)
		if err == nil {
			err = as.table.MapPage(virtAddr+off, physAddr, perm)
		}

		if err != nil {
			for undo := uintptr(0); undo < off; undo += mm.PageSize {
				_ = as.table.UnmapPage(virtAddr + undo)
			}
			return err
		}
	}

	as.mappings = append(as.mappings, Mapping{Area: area, VAddr: virtAddr, Offset: offset, Length: length, Perm: perm})
	as.own(area)
	return nil
}

// MapPages allocates a zeroed pages area of size bytes and maps all of it at
// virtAddr. The area is released again if it cannot be mapped.
func (as *AddressSpace) MapPages(virtAddr, size uintptr, perm Permission) (*MemArea, error) {
	area, err := NewPagesArea(as.alloc, size)
	if err != nil {
		return nil, err
	}

	if err = as.Map(area, virtAddr, 0, area.Size(), perm); err != nil {
		_ = area.release(as.alloc)
		return nil, err
	}

	return area, nil
}

// Unmap removes every page mapping in [virtAddr, virtAddr+length). Pages that
// are not mapped are skipped and reported with ErrInvalidMapping once the
// rest of the range has been processed. Mappings that lie entirely inside
// the range are dropped, and an area no remaining mapping refers to is
// released.
func (as *AddressSpace) Unmap(virtAddr, length uintptr) error {
	if !mm.PageAligned(virtAddr) {
		return ErrUnaligned
	}

	var firstErr error
	end := virtAddr + mm.RoundUp(length)
	for addr := virtAddr; addr < end; addr += mm.PageSize {
		if err := as.table.UnmapPage(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	kept := as.mappings[:0]
	for _, m := range as.mappings {
		if m.VAddr >= virtAddr && m.VAddr+m.Length <= end {
			continue
		}
		kept = append(kept, m)
	}
	as.mappings = kept

	if err := as.releaseUnmapped(); firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Translate returns the physical address for virtAddr.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, error) {
	physAddr, _, err := as.table.Translate(virtAddr)
	return physAddr, err
}

// Destroy releases the page table and every area owned by the address space.
func (as *AddressSpace) Destroy() error {
	err := as.table.Destroy()
	for _, area := range as.areas {
		if areaErr := area.release(as.alloc); err == nil {
			err = areaErr
		}
	}

	as.areas, as.mappings = nil, nil
	return err
}

func (as *AddressSpace) releaseUnmapped() error {
	var err error
	owned := as.areas[:0]
	for _, area := range as.areas {
		if as.mapped(area) {
			owned = append(owned, area)
			continue
		}
		if relErr := area.release(as.alloc); err == nil {
			err = relErr
		}
	}
	clear(as.areas[len(owned):])
	as.areas = owned
	return err
}

func (as *AddressSpace) mapped(area *MemArea) bool {
	for _, m := range as.mappings {
		if m.Area == area {
			return true
		}
	}
	return false
}

func (as *AddressSpace) own(area *MemArea) {
	for _, owned := range as.areas {
		if owned == area {
			return
		}
	}
	as.areas = append(as.areas, area)
}
