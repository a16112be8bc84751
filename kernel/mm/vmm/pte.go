package vmm

import (
	"muffinos/kernel"
	"muffinos/kernel/mm"
	"unsafe"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the target page is already
	// mapped. Callers must Unmap the page first.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrInvalidAddress is returned for non-canonical addresses and for
	// attempts to modify the shared kernel half through a process page
	// table.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "virtual address outside the page table's range"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// pageTable overlays the contents of a physical frame holding a page table.
type pageTable [entriesPerTable]pageTableEntry

var (
	// tableFn returns the page table stored in the supplied frame. It is
	// used by tests to redirect table accesses. When compiling the kernel
	// this function will be automatically inlined.
	tableFn = func(frame mm.Frame) *pageTable {
		return (*pageTable)(unsafe.Pointer(&mm.FrameData(frame)[0]))
	}
)

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// FlagsFromPerm converts a permission set into leaf entry flags. Read access
// is implied by FlagPresent.
func FlagsFromPerm(perm mm.Perm) PageTableEntryFlag {
	flags := FlagPresent
	if perm&mm.PermWrite != 0 {
		flags |= FlagRW
	}
	if perm&mm.PermExecute == 0 {
		flags |= FlagNoExecute
	}
	if perm&mm.PermUser != 0 {
		flags |= FlagUserAccessible
	}
	return flags
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// IsKernelAddress returns true if virtAddr belongs to the kernel half of the
// address space.
func IsKernelAddress(virtAddr uintptr) bool {
	return virtAddr >= KernelSpaceStart
}

// IsUserAddress returns true if virtAddr belongs to the user half of the
// address space.
func IsUserAddress(virtAddr uintptr) bool {
	return virtAddr < UserSpaceEnd
}
