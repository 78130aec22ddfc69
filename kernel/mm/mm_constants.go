package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// SectionShift is equal to log2(SectionSize).
	SectionShift = uintptr(20)

	// SectionSize is the amount of virtual memory covered by a single
	// first-level page table entry.
	SectionSize = uintptr(1 << SectionShift)

	// KernelStart is the virtual address where the kernel half of every
	// address space begins. Everything below it is private to a process.
	KernelStart = uintptr(0xc0000000)

	// WordSize is the size of a machine word (and of a capability handle)
	// in bytes.
	WordSize = uintptr(4)
)
