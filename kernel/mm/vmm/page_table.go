package vmm

import (
	"muffinos/kernel"
	"muffinos/kernel/cpu"
	"muffinos/kernel/mm"
	"muffinos/kernel/sync"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry
)

// SetCPUHooks overrides the privileged operations used by page tables: TLB
// entry invalidation, page table activation and querying the active page
// table. Passing nil for any argument restores the cpu package default. It
// allows packages that drive page tables to run in user-mode tests.
func SetCPUHooks(flushTLBEntry func(uintptr), switchPDT func(uintptr), activePDT func() uintptr) {
	if flushTLBEntry == nil {
		flushTLBEntry = cpu.FlushTLBEntry
	}
	if switchPDT == nil {
		switchPDT = cpu.SwitchPDT
	}
	if activePDT == nil {
		activePDT = cpu.ActivePDT
	}
	flushTLBEntryFn, switchPDTFn, activePDTFn = flushTLBEntry, switchPDT, activePDT
}

// PageTable manages the 4-level translation tree of one address space. Tables
// are addressed by the physical frame that holds them and accessed through
// the physical memory accessor, so a PageTable can be modified whether or not
// it is the active one.
//
// Intermediate tables are allocated on the first Map that needs them and
// released once their last entry is removed. A PageTable keeps no state
// outside the tables themselves so the kernel page table can be built before
// the Go heap is available. The top-level entries that cover
// the kernel half point to tables owned by the kernel page table; they are
// copied into every PageTable and never modified through it.
type PageTable struct {
	lock sync.Spinlock

	root mm.Frame

	// kernel is set for the kernel page table which owns the tables
	// of the kernel half.
	kernel bool
}

// walkStep records a table visited by walk along with the entry selected
// for the walked address.
type walkStep struct {
	table mm.Frame
	pte   *pageTableEntry
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the frame of the table being
// visited and the entry selected by the walked address. It must return true
// to continue the walk or false to abort it.
type pageTableWalker func(level uint8, table mm.Frame, pte *pageTableEntry) bool

// init allocates and clears a root table.
func (pt *PageTable) init(kernelTable bool) *kernel.Error {
	root, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	mm.ZeroFrame(root)

	pt.root, pt.kernel = root, kernelTable
	return nil
}

// NewPageTable allocates a page table for a new process address space. The
// kernel half of the new table refers to the same tables as the kernel page
// table.
func NewPageTable() (*PageTable, *kernel.Error) {
	pt := new(PageTable)
	if err := pt.init(false); err != nil {
		return nil, err
	}

	if kernelPT != nil {
		src, dst := tableFn(kernelPT.root), tableFn(pt.root)
		copy(dst[kernelHalfFirstEntry:], src[kernelHalfFirstEntry:])
	}

	return pt, nil
}

// Root returns the frame holding the top-level table.
func (pt *PageTable) Root() mm.Frame {
	return pt.root
}

// Activate installs this page table as the active translation root.
func (pt *PageTable) Activate() {
	switchPDTFn(pt.root.Address())
}

// Active returns true if this page table is the active translation root.
func (pt *PageTable) Active() bool {
	return activePDTFn() == pt.root.Address()
}

// checkAddress ensures that virtAddr is canonical and that this page table is
// allowed to modify its mapping.
func (pt *PageTable) checkAddress(virtAddr uintptr) *kernel.Error {
	switch {
	case IsUserAddress(virtAddr):
		return nil
	case IsKernelAddress(virtAddr) && pt.kernel:
		return nil
	default:
		return ErrInvalidAddress
	}
}

// walk performs a page table walk for the given virtual address. It calls
// walkFn with the entry selected at each level, starting from the top-level
// table, for as long as walkFn returns true.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &tableFn(table)[entryIndex]
		if !walkFn(level, table, pte) {
			return
		}
		table = pte.Frame()
	}
}

// leafPath walks the tables for virtAddr and returns the visited steps. The
// returned depth is pageLevels if a present leaf entry was reached.
func (pt *PageTable) leafPath(virtAddr uintptr) (path [pageLevels]walkStep, depth int, err *kernel.Error) {
	pt.walk(virtAddr, func(level uint8, table mm.Frame, pte *pageTableEntry) bool {
		path[level] = walkStep{table, pte}
		depth = int(level) + 1

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	return path, depth, err
}

// pinned returns true if the table reached at the given level while walking
// virtAddr must never be released.
func (pt *PageTable) pinned(level int, virtAddr uintptr) bool {
	// Level 1 tables of the kernel half are shared by reference with
	// every process page table.
	return level == 0 || (level == 1 && IsKernelAddress(virtAddr))
}

// liveEntries returns the number of present entries in table.
func liveEntries(table mm.Frame) int {
	var count int
	for _, pte := range tableFn(table) {
		if pte.HasFlags(FlagPresent) {
			count++
		}
	}
	return count
}

// collapse releases the empty intermediate tables along path bottom-up. The
// caller must hold the lock.
func (pt *PageTable) collapse(virtAddr uintptr, path [pageLevels]walkStep, depth int) {
	for level := depth - 1; level > 0; level-- {
		table := path[level].table
		if pt.pinned(level, virtAddr) || liveEntries(table) != 0 {
			return
		}

		*path[level-1].pte = 0
		mm.DecRef(table)
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated using the active frame
// allocator. Map fails with ErrAlreadyMapped if the page is already mapped.
//
// Map does not change the reference count of frame; the caller decides who
// owns the reference that backs the mapping.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if err := pt.checkAddress(page.Address()); err != nil {
		return err
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	var (
		err   *kernel.Error
		path  [pageLevels]walkStep
		depth int
	)

	pt.walk(page.Address(), func(level uint8, table mm.Frame, pte *pageTableEntry) bool {
		path[level] = walkStep{table, pte}
		depth = int(level) + 1

		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if level == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = mm.AllocFrame(); err != nil {
				return false
			}
			mm.ZeroFrame(newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			if IsUserAddress(page.Address()) {
				pte.SetFlags(FlagUserAccessible)
			}
		}

		return true
	})

	if err != nil && err != ErrAlreadyMapped {
		// Release any tables that were allocated before the failure.
		pt.collapse(page.Address(), path, depth)
	}

	return err
}

// Unmap removes the mapping for page and returns the frame it pointed to. The
// reference count of the frame is left untouched. Intermediate tables that
// become empty are released.
func (pt *PageTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	if err := pt.checkAddress(page.Address()); err != nil {
		return mm.InvalidFrame, err
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	path, depth, err := pt.leafPath(page.Address())
	if err != nil {
		return mm.InvalidFrame, err
	}

	leaf := path[pageLevels-1]
	frame := leaf.pte.Frame()
	*leaf.pte = 0
	flushTLBEntryFn(page.Address())

	pt.collapse(page.Address(), path, depth)

	return frame, nil
}

// Protect replaces the flags of an existing mapping keeping the frame it
// points to.
func (pt *PageTable) Protect(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	if err := pt.checkAddress(page.Address()); err != nil {
		return err
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	path, _, err := pt.leafPath(page.Address())
	if err != nil {
		return err
	}

	pte := path[pageLevels-1].pte
	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	flushTLBEntryFn(page.Address())

	return nil
}

// Lookup returns the frame and flags of the mapping for page.
func (pt *PageTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	path, _, err := pt.leafPath(page.Address())
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	pte := *path[pageLevels-1].pte
	return pte.Frame(), pte.Flags(), nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, _, err := pt.Lookup(mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + PageOffset(virtAddr), nil
}

// Destroy releases every table of the user half along with the root table.
// Leaf mappings that are still present are dropped without touching the
// reference count of the frames they point to. The page table must not be
// active and must not be used afterwards.
func (pt *PageTable) Destroy() {
	pt.lock.Acquire()
	defer pt.lock.Release()

	root := tableFn(pt.root)
	for index := 0; index < kernelHalfFirstEntry; index++ {
		if root[index].HasFlags(FlagPresent) {
			pt.releaseTable(root[index].Frame(), 1)
		}
		root[index] = 0
	}

	mm.DecRef(pt.root)
	pt.root = mm.InvalidFrame
}

// releaseTable recursively releases a table and the tables below it.
func (pt *PageTable) releaseTable(frame mm.Frame, level int) {
	if level < pageLevels-1 {
		table := tableFn(frame)
		for index := range table {
			if table[index].HasFlags(FlagPresent) && !table[index].HasFlags(FlagHugePage) {
				pt.releaseTable(table[index].Frame(), level+1)
			}
		}
	}
	mm.DecRef(frame)
}

// tableCount returns the number of intermediate tables owned by this page
// table.
func (pt *PageTable) tableCount() int {
	pt.lock.Acquire()
	defer pt.lock.Release()

	lastEntry := kernelHalfFirstEntry
	if pt.kernel {
		lastEntry = entriesPerTable
	}

	var count int
	root := tableFn(pt.root)
	for index := 0; index < lastEntry; index++ {
		if root[index].HasFlags(FlagPresent) {
			count += countTables(root[index].Frame(), 1)
		}
	}
	return count
}

// countTables returns the number of tables in the subtree rooted at frame.
func countTables(frame mm.Frame, level int) int {
	count := 1
	if level < pageLevels-1 {
		for _, pte := range tableFn(frame) {
			if pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage) {
				count += countTables(pte.Frame(), level+1)
			}
		}
	}
	return count
}
