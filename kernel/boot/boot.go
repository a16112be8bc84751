// Package boot describes the handoff that the bootloader passes to the kernel:
// the physical memory map and the location of the loaded kernel image. The
// handoff is consumed exactly once, while the frame allocator and the kernel
// page table are being set up.
package boot

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemUsable indicates that the memory region is available for use.
	MemUsable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemBootloaderReclaimable indicates memory that holds bootloader data
	// structures. Its contents are needed until the kernel is initialized so
	// the frame allocator treats it as in use.
	MemBootloaderReclaimable

	// MemKernelAndModules indicates memory occupied by the kernel image and
	// any modules loaded alongside it.
	MemKernelAndModules

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernelAndModules:
		return "kernel and modules"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Info contains the information handed over by the bootloader.
type Info struct {
	// MemoryMap lists the physical memory regions in ascending address
	// order.
	MemoryMap []MemoryMapEntry

	// KernelPhysStart and KernelPhysEnd describe the physical range
	// [start, end) where the kernel image is loaded.
	KernelPhysStart, KernelPhysEnd uintptr

	// KernelVirtBase is the virtual address that KernelPhysStart is
	// mapped to.
	KernelVirtBase uintptr

	// DirectMapOffset is the virtual address at which the bootloader
	// mapped physical address 0. All physical memory remains accessible
	// through this window once the kernel page table is active.
	DirectMapOffset uintptr
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions invokes visitor for each memory region in the memory map.
// Entries with an unknown type are reported as MemReserved.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.MemoryMap {
		entry := &info.MemoryMap[i]
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}
