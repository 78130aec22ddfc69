package vmm

import "capos/kernel/mm"

// Permission describes the access rights of a mapping.
type Permission uint8

const (
	// PermRO allows reads from user and kernel mode.
	PermRO Permission = iota

	// PermRW allows reads and writes from user and kernel mode.
	PermRW

	// PermRWPriv allows reads and writes from kernel mode only.
	PermRWPriv
)

// String implements fmt.Stringer.
func (p Permission) String() string {
	switch p {
	case PermRO:
		return "ro"
	case PermRW:
		return "rw"
	default:
		return "rw-priv"
	}
}

const (
	// l1Entries is the number of first-level entries; each one covers a
	// 1 MiB section so together they span the full 4 GiB address space.
	l1Entries = 4096

	// l1Frames is the number of physical frames occupied by a first-level
	// table. The table must also be aligned to this many frames.
	l1Frames = int((l1Entries * mm.WordSize) / mm.PageSize)

	// l2Entries is the number of entries in a coarse second-level table;
	// each one maps a 4 KiB page.
	l2Entries = 256

	// l2TableSize is the size of a coarse table in bytes. A physical page
	// holds l2TablesPerPage coarse tables.
	l2TableSize     = uintptr(l2Entries) * mm.WordSize
	l2TablesPerPage = int(mm.PageSize / l2TableSize)
)

// pageTableEntry describes an ARM short-descriptor page table entry. The two
// low bits select the entry type; the remaining bits encode a physical base
// address and access permissions whose layout depends on the type.
type pageTableEntry uint32

const (
	pteTypeMask     pageTableEntry = 3
	pteTypeDisabled pageTableEntry = 0
	pteTypeCoarse   pageTableEntry = 1
	pteTypeSection  pageTableEntry = 2

	// second-level entry type for a 4 KiB page
	pteTypeSmall pageTableEntry = 2

	pteSectionAPShift  = 10
	pteSectionBaseMask = pageTableEntry(0xfff00000)
	pteCoarseBaseMask  = pageTableEntry(0xfffffc00)
	pteSmallAPShift    = 4
	pteSmallBaseMask   = pageTableEntry(0xfffff000)

	// l2FreeSentinel marks a coarse table slot as available for reuse. It
	// is stored in the first entry of an unused quarter-page; the entry
	// type bits stay disabled so the marker can never be mistaken for a
	// mapping.
	l2FreeSentinel pageTableEntry = 0x80000000
)

// Type returns the entry type bits.
func (pte pageTableEntry) Type() pageTableEntry {
	return pte & pteTypeMask
}

// SectionBase returns the physical base address of a section entry.
func (pte pageTableEntry) SectionBase() uintptr {
	return uintptr(pte & pteSectionBaseMask)
}

// CoarseBase returns the physical address of the coarse table referenced by
// a first-level coarse entry.
func (pte pageTableEntry) CoarseBase() uintptr {
	return uintptr(pte & pteCoarseBaseMask)
}

// SmallBase returns the physical frame address of a second-level page entry.
func (pte pageTableEntry) SmallBase() uintptr {
	return uintptr(pte & pteSmallBaseMask)
}

// freeSlot returns true if this is the first entry of a released coarse table.
func (pte pageTableEntry) freeSlot() bool {
	return pte.Type() == pteTypeDisabled && pte&l2FreeSentinel != 0
}

func apBits(perm Permission) pageTableEntry {
	switch perm {
	case PermRO:
		return 2
	case PermRW:
		return 3
	default:
		return 1
	}
}

func permFromAP(ap pageTableEntry) Permission {
	switch ap & 3 {
	case 2:
		return PermRO
	case 3:
		return PermRW
	default:
		return PermRWPriv
	}
}

func sectionEntry(physAddr uintptr, perm Permission) pageTableEntry {
	return (pageTableEntry(physAddr) & pteSectionBaseMask) | apBits(perm)<<pteSectionAPShift | pteTypeSection
}

func coarseEntry(tableAddr uintptr) pageTableEntry {
	return (pageTableEntry(tableAddr) & pteCoarseBaseMask) | pteTypeCoarse
}

// smallEntry builds a page entry; the permission is replicated into all four
// sub-page AP fields.
func smallEntry(physAddr uintptr, perm Permission) pageTableEntry {
	ap := apBits(perm)
	ap = ap | ap<<2 | ap<<4 | ap<<6
	return (pageTableEntry(physAddr) & pteSmallBaseMask) | ap<<pteSmallAPShift | pteTypeSmall
}

func (pte pageTableEntry) sectionPerm() Permission {
	return permFromAP(pte >> pteSectionAPShift)
}

func (pte pageTableEntry) smallPerm() Permission {
	return permFromAP(pte >> pteSmallAPShift)
}
