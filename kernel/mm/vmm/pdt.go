// Package vmm implements two-level ARM page tables stored in simulated
// physical memory, the memory areas that back user mappings and the per
// process address spaces that tie them together.
package vmm

import (
	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNotFound}

	// ErrMappingExists is returned when a mapping would replace an existing one.
	ErrMappingExists = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped", Kind: kernel.KindUsageFault}

	// ErrUnaligned is returned when an address, offset or physical base is
	// not page aligned.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "address is not page aligned", Kind: kernel.KindUsageFault}

	errTableAlloc = &kernel.Error{Module: "vmm", Message: "unable to allocate first-level page table", Kind: kernel.KindFatal}
)

// TableStats reports second-level table bookkeeping for a PageTable.
type TableStats struct {
	// L2Pages is the number of physical pages currently holding coarse tables.
	L2Pages int

	// L2Allocs counts coarse tables carved out of newly allocated pages.
	L2Allocs int

	// L2Reuses counts coarse tables recycled from released quarter-pages.
	L2Reuses int
}

// PageTable is a first-level translation table plus the coarse tables it
// references. All entries live in the physical memory owned by the frame
// allocator so the layout is exactly what the MMU would walk.
type PageTable struct {
	alloc   *pmm.Allocator
	l1      []mm.Frame
	l2Pages []mm.Frame
	stats   TableStats
}

// NewKernelPageTable allocates the master kernel table. Every section of the
// upper half, starting at mm.KernelStart, is mapped to physical memory from
// address 0 with kernel-only permissions.
func NewKernelPageTable(alloc *pmm.Allocator) (*PageTable, error) {
	pt, err := newPageTable(alloc)
	if err != nil {
		return nil, err
	}

	physAddr := uintptr(0)
	for idx := mm.KernelStart >> mm.SectionShift; idx < l1Entries; idx, physAddr = idx+1, physAddr+mm.SectionSize {
		if err = pt.writeEntry(pt.l1EntryAddr(idx<<mm.SectionShift), sectionEntry(physAddr, PermRWPriv)); err != nil {
			return nil, err
		}
	}

	return pt, nil
}

// NewPageTable allocates a process page table. The user half starts out
// empty; the kernel half is copied from master.
func NewPageTable(alloc *pmm.Allocator, master *PageTable) (*PageTable, error) {
	pt, err := newPageTable(alloc)
	if err != nil {
		return nil, err
	}

	kernelOffset := (mm.KernelStart >> mm.SectionShift) * mm.WordSize
	if err = alloc.Memcopy(master.PhysAddr()+kernelOffset, pt.PhysAddr()+kernelOffset, l1Entries*mm.WordSize-kernelOffset); err != nil {
		_ = pt.Destroy()
		return nil, err
	}

	return pt, nil
}

func newPageTable(alloc *pmm.Allocator) (*PageTable, error) {
	frames, err := alloc.AllocContig(l1Frames, l1Frames)
	if err != nil {
		return nil, errTableAlloc
	}

	pt := &PageTable{alloc: alloc, l1: frames}
	if err = alloc.Memset(pt.PhysAddr(), 0, uintptr(l1Frames)*mm.PageSize); err != nil {
		_ = alloc.FreeList(frames)
		return nil, err
	}

	return pt, nil
}

// PhysAddr returns the physical address of the first-level table.
func (pt *PageTable) PhysAddr() uintptr {
	return pt.l1[0].Address()
}

// Stats returns the coarse table bookkeeping counters.
func (pt *PageTable) Stats() TableStats {
	stats := pt.stats
	stats.L2Pages = len(pt.l2Pages)
	return stats
}

// MapPage installs a mapping from the page containing virtAddr to the frame
// at physAddr. A coarse table is allocated for the section if needed.
func (pt *PageTable) MapPage(virtAddr, physAddr uintptr, perm Permission) error {
	if !mm.PageAligned(virtAddr) || !mm.PageAligned(physAddr) {
		return ErrUnaligned
	}

	l1Addr := pt.l1EntryAddr(virtAddr)
	l1, err := pt.readEntry(l1Addr)
	if err != nil {
		return err
	}

	var tableAddr uintptr
	switch l1.Type() {
	case pteTypeCoarse:
		tableAddr = l1.CoarseBase()
	case pteTypeDisabled:
		if tableAddr, err = pt.allocL2(l1Addr); err != nil {
			return err
		}
	default:
		return ErrMappingExists
	}

	entryAddr := l2EntryAddr(tableAddr, virtAddr)
	cur, err := pt.readEntry(entryAddr)
	if err != nil {
		return err
	}
	if cur.Type() != pteTypeDisabled {
		return ErrMappingExists
	}

	return pt.writeEntry(entryAddr, smallEntry(physAddr, perm))
}

// UnmapPage removes the mapping for the page containing virtAddr. When the
// last mapping of a coarse table goes away the table is released for reuse
// and the first-level entry is disabled.
func (pt *PageTable) UnmapPage(virtAddr uintptr) error {
	var (
		err       error
		l1Addr    uintptr
		tableAddr uintptr
	)

	walkErr := pt.walk(virtAddr, func(level uint8, entryAddr uintptr, pte pageTableEntry) bool {
		if level == 0 {
			if pte.Type() != pteTypeCoarse {
				err = ErrInvalidMapping
				return false
			}
			l1Addr, tableAddr = entryAddr, pte.CoarseBase()
			return true
		}

		if pte.Type() != pteTypeSmall {
			err = ErrInvalidMapping
			return false
		}

		err = pt.writeEntry(entryAddr, 0)
		return false
	})

	switch {
	case walkErr != nil:
		return walkErr
	case err != nil:
		return err
	}

	empty, err := pt.l2Empty(tableAddr)
	if err != nil || !empty {
		return err
	}

	if err = pt.writeEntry(tableAddr, l2FreeSentinel); err != nil {
		return err
	}
	return pt.writeEntry(l1Addr, 0)
}

// Translate returns the physical address and permissions for virtAddr or
// ErrInvalidMapping if the address is not mapped.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, Permission, error) {
	var (
		physAddr uintptr
		perm     Permission
		err      error = ErrInvalidMapping
	)

	walkErr := pt.walk(virtAddr, func(level uint8, _ uintptr, pte pageTableEntry) bool {
		switch {
		case level == 0 && pte.Type() == pteTypeSection:
			physAddr = pte.SectionBase() | virtAddr&(mm.SectionSize-1)
			perm, err = pte.sectionPerm(), nil
		case level == 0 && pte.Type() == pteTypeCoarse:
			return true
		case level == 1 && pte.Type() == pteTypeSmall:
			physAddr = pte.SmallBase() | mm.PageOffset(virtAddr)
			perm, err = pte.smallPerm(), nil
		}
		return false
	})

	if walkErr != nil {
		return 0, 0, walkErr
	}
	return physAddr, perm, err
}

// IsMapped returns true if virtAddr translates to a physical address.
func (pt *PageTable) IsMapped(virtAddr uintptr) bool {
	_, _, err := pt.Translate(virtAddr)
	return err == nil
}

// Destroy releases the first-level table and every coarse table page.
func (pt *PageTable) Destroy() error {
	err := pt.alloc.FreeList(pt.l1)
	if l2Err := pt.alloc.FreeList(pt.l2Pages); err == nil {
		err = l2Err
	}

	pt.l1, pt.l2Pages = nil, nil
	return err
}

// allocL2 installs a zeroed coarse table at the first-level entry l1Addr and
// returns its physical address. Released quarter-pages are reused before a
// new physical page is requested.
func (pt *PageTable) allocL2(l1Addr uintptr) (uintptr, error) {
	for _, page := range pt.l2Pages {
		for quarter := 0; quarter < l2TablesPerPage; quarter++ {
			tableAddr := page.Address() + uintptr(quarter)*l2TableSize
			first, err := pt.readEntry(tableAddr)
			if err != nil {
				return 0, err
			}
			if !first.freeSlot() {
				continue
			}

			if err = pt.alloc.Memset(tableAddr, 0, l2TableSize); err != nil {
				return 0, err
			}
			pt.stats.L2Reuses++
			return tableAddr, pt.writeEntry(l1Addr, coarseEntry(tableAddr))
		}
	}

	frame, err := pt.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	if err = pt.alloc.ZeroFrame(frame); err != nil {
		return 0, err
	}

	// The first quarter is handed out right away; the rest are flagged free.
	for quarter := 1; quarter < l2TablesPerPage; quarter++ {
		if err = pt.writeEntry(frame.Address()+uintptr(quarter)*l2TableSize, l2FreeSentinel); err != nil {
			return 0, err
		}
	}

	pt.l2Pages = append(pt.l2Pages, frame)
	pt.stats.L2Allocs++
	return frame.Address(), pt.writeEntry(l1Addr, coarseEntry(frame.Address()))
}

func (pt *PageTable) l2Empty(tableAddr uintptr) (bool, error) {
	for idx := uintptr(0); idx < l2Entries; idx++ {
		pte, err := pt.readEntry(tableAddr + idx*mm.WordSize)
		if err != nil {
			return false, err
		}
		if pte.Type() != pteTypeDisabled {
			return false, nil
		}
	}

	return true, nil
}

func (pt *PageTable) l1EntryAddr(virtAddr uintptr) uintptr {
	return pt.PhysAddr() + (virtAddr>>mm.SectionShift)*mm.WordSize
}

func l2EntryAddr(tableAddr, virtAddr uintptr) uintptr {
	return tableAddr + ((virtAddr&(mm.SectionSize-1))>>mm.PageShift)*mm.WordSize
}

func (pt *PageTable) readEntry(entryAddr uintptr) (pageTableEntry, error) {
	v, err := pt.alloc.ReadWord(entryAddr)
	return pageTableEntry(v), err
}

func (pt *PageTable) writeEntry(entryAddr uintptr, pte pageTableEntry) error {
	return pt.alloc.WriteWord(entryAddr, uint32(pte))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current table level, the physical address of the
// entry and its contents. If the function returns false the walk is aborted.
type pageTableWalker func(level uint8, entryAddr uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address. The walk
// descends into the coarse table only when walkFn returns true for a coarse
// first-level entry.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) error {
	entryAddr := pt.l1EntryAddr(virtAddr)
	pte, err := pt.readEntry(entryAddr)
	if err != nil {
		return err
	}

	if !walkFn(0, entryAddr, pte) || pte.Type() != pteTypeCoarse {
		return nil
	}

	entryAddr = l2EntryAddr(pte.CoarseBase(), virtAddr)
	if pte, err = pt.readEntry(entryAddr); err != nil {
		return err
	}

	walkFn(1, entryAddr, pte)
	return nil
}
