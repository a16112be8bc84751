// Package addrspace implements process address spaces: an ordered set of
// non-overlapping regions, each backed by a VM object, together with the page
// table that translates them.
package addrspace

import (
	"muffinos/kernel"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/pmm"
	"muffinos/kernel/mm/vmm"
	"muffinos/kernel/mm/vmobject"
	"muffinos/kernel/sync"
	"sort"
)

var (
	// ErrOverlap is returned by MapRegion when the requested range
	// intersects an existing region.
	ErrOverlap = &kernel.Error{Module: "addrspace", Message: "range overlaps an existing region"}

	// ErrNotMapped is returned by UnmapRegion when no region matches the
	// requested range exactly.
	ErrNotMapped = &kernel.Error{Module: "addrspace", Message: "no region matches the requested range"}

	// ErrInvalidRange is returned for ranges that are empty, unaligned,
	// larger than the backing object or outside the address space.
	ErrInvalidRange = &kernel.Error{Module: "addrspace", Message: "invalid virtual address range"}

	// ErrPermission is returned by MapRegion and ProtectRegion when the
	// requested permissions exceed the maximum permissions of the object.
	ErrPermission = &kernel.Error{Module: "addrspace", Message: "permissions exceed those of the backing object"}

	// ErrNoSpace is returned by FindFreeRange when no gap is large enough.
	ErrNoSpace = &kernel.Error{Module: "addrspace", Message: "no free virtual address range large enough"}

	// ErrDestroyed is returned by operations on a destroyed address space.
	ErrDestroyed = &kernel.Error{Module: "addrspace", Message: "address space has been destroyed"}

	// ErrSegmentationFault accompanies FaultSegmentation outcomes.
	ErrSegmentationFault = &kernel.Error{Module: "addrspace", Message: "segmentation fault"}

	// ErrSwitchToDestroyed is a kernel invariant violation raised when the
	// scheduler activates a destroyed address space.
	ErrSwitchToDestroyed = &kernel.Error{Module: "addrspace", Message: "switch to destroyed address space"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// MapFlag alters the behaviour of MapRegion.
type MapFlag uint8

const (
	// MapPopulate faults in every page of the region before MapRegion
	// returns instead of on first access.
	MapPopulate MapFlag = 1 << iota
)

// FaultOutcome is the result of resolving a page fault.
type FaultOutcome uint8

const (
	// FaultResolved means that a mapping is in place and the faulting
	// instruction can be retried.
	FaultResolved FaultOutcome = iota

	// FaultSegmentation means that the access is not covered by any
	// region or is not allowed by the region permissions.
	FaultSegmentation

	// FaultStorage means that the backing store of a file object failed
	// to supply the page.
	FaultStorage

	// FaultOutOfMemory means that no frame was available to resolve the
	// fault.
	FaultOutOfMemory
)

// String implements fmt.Stringer for FaultOutcome.
func (o FaultOutcome) String() string {
	switch o {
	case FaultResolved:
		return "resolved"
	case FaultSegmentation:
		return "segmentation fault"
	case FaultStorage:
		return "storage fault"
	default:
		return "out of memory"
	}
}

// Region is a virtual address range [Start, End) backed by the pages of
// Object starting from its first page.
type Region struct {
	Start  uintptr
	End    uintptr
	Object *vmobject.Object
	Perm   mm.Perm
}

// Len returns the size of the region in bytes.
func (r *Region) Len() uintptr { return r.End - r.Start }

// Contains returns true if addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// pageIndex returns the object page index that backs addr.
func (r *Region) pageIndex(addr uintptr) uintptr {
	return (addr - r.Start) >> mm.PageShift
}

// AddressSpace is the virtual memory of a process or of the kernel.
type AddressSpace struct {
	lock sync.Spinlock

	pt *vmm.PageTable

	// regions is sorted by start address and never contains
	// overlapping entries.
	regions []*Region

	kernel    bool
	destroyed bool
}

// New creates an empty user address space. Its page table shares the kernel
// half with the kernel page table.
func New() (*AddressSpace, *kernel.Error) {
	pt, err := vmm.NewPageTable()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{pt: pt}, nil
}

// NewKernel wraps the kernel page table in an address space whose regions
// live in the kernel half.
func NewKernel(pt *vmm.PageTable) *AddressSpace {
	return &AddressSpace{pt: pt, kernel: true}
}

// PageTable returns the page table of the address space.
func (as *AddressSpace) PageTable() *vmm.PageTable {
	return as.pt
}

// validRange checks that [start, start+length) is a non-empty page-aligned
// range inside the half of the address space this instance manages.
func (as *AddressSpace) validRange(start, length uintptr) bool {
	end := start + length
	switch {
	case length == 0 || !mm.PageAligned(start) || !mm.PageAligned(length):
		return false
	case end < start:
		return false
	case as.kernel:
		return vmm.IsKernelAddress(start)
	default:
		return end <= vmm.UserSpaceEnd
	}
}

// search returns the index of the first region whose end lies above addr.
func (as *AddressSpace) search(addr uintptr) int {
	return sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].End > addr
	})
}

// regionAt returns the region containing addr. The caller must hold the lock.
func (as *AddressSpace) regionAt(addr uintptr) *Region {
	if index := as.search(addr); index < len(as.regions) {
		if region := as.regions[index]; addr >= region.Start {
			return region
		}
	}
	return nil
}

// MapRegion maps length bytes of obj at start with the supplied permissions.
// The address space acquires a reference to obj which is released when the
// region is unmapped. Private objects must not be mapped more than once;
// use Fork to share their pages.
func (as *AddressSpace) MapRegion(start, length uintptr, obj *vmobject.Object, perm mm.Perm, flags MapFlag) *kernel.Error {
	if !as.validRange(start, length) || length > obj.Len() {
		return ErrInvalidRange
	}
	if !obj.MaxPerm().Contains(perm) {
		return ErrPermission
	}

	region := &Region{Start: start, End: start + length, Object: obj, Perm: perm}

	as.lock.Acquire()
	if as.destroyed {
		as.lock.Release()
		return ErrDestroyed
	}

	index := as.search(start)
	if index < len(as.regions) && as.regions[index].Start < region.End {
		as.lock.Release()
		return ErrOverlap
	}

	as.regions = append(as.regions, nil)
	copy(as.regions[index+1:], as.regions[index:])
	as.regions[index] = region
	obj.Acquire()
	as.lock.Release()

	if flags&MapPopulate == 0 {
		return nil
	}

	access, ok := populateAccess(perm, obj.Shared())
	if !ok {
		return nil
	}
	for addr := region.Start; addr < region.End; addr += mm.PageSize {
		if _, err := as.ResolveFault(addr, access, false); err != nil {
			if unmapErr := as.UnmapRegion(start, length); unmapErr != nil {
				kfmt.Printf("[addrspace] unable to roll back region 0x%16x-0x%16x: %s\n", region.Start, region.End, unmapErr.Message)
			}
			return err
		}
	}

	return nil
}

// populateAccess returns the access used to pre-fault the pages of a region.
// Writable private pages are forked up front so that the first store does not
// fault. Shared pages are faulted in without write access to keep the dirty
// state of file pages accurate. Regions without any access permission are
// not populated.
func populateAccess(perm mm.Perm, shared bool) (mm.Access, bool) {
	switch {
	case perm&mm.PermWrite != 0 && (!shared || perm&mm.PermRead == 0):
		return mm.AccessWrite, true
	case perm&mm.PermRead != 0:
		return mm.AccessRead, true
	case perm&mm.PermExecute != 0:
		return mm.AccessExecute, true
	default:
		return mm.AccessRead, false
	}
}

// UnmapRegion removes the region that spans exactly [start, start+length).
// Every page of the region is unmapped before the object reference held by
// the region is dropped.
func (as *AddressSpace) UnmapRegion(start, length uintptr) *kernel.Error {
	as.lock.Acquire()

	index := as.search(start)
	if index >= len(as.regions) || as.regions[index].Start != start || as.regions[index].End != start+length {
		as.lock.Release()
		return ErrNotMapped
	}

	region := as.regions[index]
	as.regions = append(as.regions[:index], as.regions[index+1:]...)
	as.unmapPages(region)
	as.lock.Release()

	as.releaseObject(region)
	return nil
}

// unmapPages removes every present mapping of region from the page table.
// The caller must hold the lock.
func (as *AddressSpace) unmapPages(region *Region) {
	for index := uintptr(0); index < region.Len()>>mm.PageShift; index++ {
		// Pages that were never faulted in have no mapping.
		_, _ = as.pt.Unmap(mm.PageFromAddress(region.Start + index<<mm.PageShift))
	}
}

func (as *AddressSpace) releaseObject(region *Region) {
	if err := region.Object.Release(); err != nil {
		kfmt.Printf("[addrspace] write-back of region 0x%16x-0x%16x failed: %s\n", region.Start, region.End, err.Message)
	}
}

// FindFreeRange returns the lowest page-aligned address where length bytes
// can be mapped without overlapping an existing region.
func (as *AddressSpace) FindFreeRange(length uintptr) (uintptr, *kernel.Error) {
	length = (length + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if length == 0 {
		return 0, ErrInvalidRange
	}

	lower, upper := uintptr(mm.PageSize), vmm.UserSpaceEnd
	if as.kernel {
		lower, upper = vmm.KernelSpaceStart, ^uintptr(0)-mm.PageSize+1
	}

	as.lock.Acquire()
	defer as.lock.Release()

	candidate := lower
	for _, region := range as.regions {
		if region.End <= candidate {
			continue
		}
		if region.Start >= candidate && region.Start-candidate >= length {
			return candidate, nil
		}
		candidate = region.End
	}

	if upper-candidate >= length {
		return candidate, nil
	}
	return 0, ErrNoSpace
}

// RegionAt returns a copy of the region that contains addr.
func (as *AddressSpace) RegionAt(addr uintptr) (Region, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	if region := as.regionAt(addr); region != nil {
		return *region, true
	}
	return Region{}, false
}

// Regions returns a snapshot of the regions sorted by start address.
func (as *AddressSpace) Regions() []Region {
	as.lock.Acquire()
	defer as.lock.Release()

	out := make([]Region, len(as.regions))
	for i, region := range as.regions {
		out[i] = *region
	}
	return out
}

// RequiredPerm returns the region permissions needed to perform access. User
// mode accesses additionally require mm.PermUser.
func RequiredPerm(access mm.Access, user bool) mm.Perm {
	perm := access.Perm()
	if user {
		perm |= mm.PermUser
	}
	return perm
}

// ResolveFault handles a page fault at addr caused by the supplied access
// type. The user flag is set for accesses made by user mode code; they are
// only resolved in regions that carry mm.PermUser. If the outcome is not
// FaultResolved, the returned error describes the cause:
// ErrSegmentationFault, the storage error reported by the file handle or
// pmm.ErrOutOfMemory.
func (as *AddressSpace) ResolveFault(addr uintptr, access mm.Access, user bool) (FaultOutcome, *kernel.Error) {
	as.lock.Acquire()
	region := as.regionAt(addr)
	if region == nil || as.destroyed || !region.Perm.Contains(RequiredPerm(access, user)) {
		as.lock.Release()
		return FaultSegmentation, ErrSegmentationFault
	}

	// Keep the object alive while its page is produced without holding
	// the address space lock; populating a file page may block.
	region.Object.Acquire()
	as.lock.Release()
	defer as.releaseObject(region)

	return as.resolve(region, addr, access)
}

// resolve produces the page backing addr and installs its mapping.
func (as *AddressSpace) resolve(region *Region, addr uintptr, access mm.Access) (FaultOutcome, *kernel.Error) {
	index := region.pageIndex(addr)
	frame, err := region.Object.GetOrCreatePage(index)
	if err != nil {
		return classify(err)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	// The region may have been unmapped while the page was produced. The
	// retried access faults again and observes the current layout.
	if as.regionAt(addr) != region {
		return FaultResolved, nil
	}

	if region.Object.Shared() {
		err = as.installShared(region, addr, index, frame, access)
	} else {
		err = as.installPrivate(region, addr, index, frame, access)
	}
	if err != nil {
		return classify(err)
	}

	return FaultResolved, nil
}

// installPrivate maps a page of a private region. Frames still referenced by
// another object are mapped read-only and forked on the first write.
func (as *AddressSpace) installPrivate(region *Region, addr, index uintptr, frame mm.Frame, access mm.Access) *kernel.Error {
	page := mm.PageFromAddress(addr)
	flags := vmm.FlagsFromPerm(region.Perm)
	mapped, curFlags, lookupErr := as.pt.Lookup(page)
	present := lookupErr == nil && curFlags&vmm.FlagPresent != 0

	if access != mm.AccessWrite {
		if present {
			// Raced with another fault on the same page.
			return nil
		}
		if flags&vmm.FlagRW != 0 && mm.RefCount(frame) > 1 {
			flags = (flags &^ vmm.FlagRW) | vmm.FlagCopyOnWrite
		}
		return as.pt.Map(page, frame, flags)
	}

	if present && curFlags&vmm.FlagRW != 0 {
		return nil
	}

	private, err := region.Object.ForkCopyOnWrite(index)
	if err != nil {
		return err
	}

	if present {
		if private == mapped {
			return as.pt.Protect(page, flags)
		}
		_, _ = as.pt.Unmap(page)
	}
	return as.pt.Map(page, private, flags)
}

// installShared maps a page of a shared region. Writable pages of shared file
// objects are mapped read-only until the first write so that the write can
// be recorded for write-back.
func (as *AddressSpace) installShared(region *Region, addr, index uintptr, frame mm.Frame, access mm.Access) *kernel.Error {
	page := mm.PageFromAddress(addr)
	flags := vmm.FlagsFromPerm(region.Perm)
	_, curFlags, lookupErr := as.pt.Lookup(page)
	present := lookupErr == nil && curFlags&vmm.FlagPresent != 0

	if region.Object.Kind() == vmobject.KindPhysical {
		flags |= vmm.FlagDoNotCache
	}

	trackDirty := region.Object.Kind() == vmobject.KindFile && flags&vmm.FlagRW != 0
	if access == mm.AccessWrite {
		region.Object.MarkDirty(index)
	} else if trackDirty {
		flags &^= vmm.FlagRW
	}

	switch {
	case !present:
		return as.pt.Map(page, frame, flags)
	case access == mm.AccessWrite && curFlags&vmm.FlagRW == 0:
		return as.pt.Protect(page, flags)
	default:
		return nil
	}
}

// ProtectRegion changes the permissions of the region that spans exactly
// [start, start+length). Resident pages are updated in place. Pages that are
// currently write-protected for copy-on-write or dirty tracking stay
// write-protected; their next write faults and is resolved under the new
// permissions.
func (as *AddressSpace) ProtectRegion(start, length uintptr, perm mm.Perm) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return ErrDestroyed
	}

	index := as.search(start)
	if index >= len(as.regions) || as.regions[index].Start != start || as.regions[index].End != start+length {
		return ErrNotMapped
	}

	region := as.regions[index]
	if !region.Object.MaxPerm().Contains(perm) {
		return ErrPermission
	}
	region.Perm = perm

	flags := vmm.FlagsFromPerm(perm)
	if region.Object.Kind() == vmobject.KindPhysical {
		flags |= vmm.FlagDoNotCache
	}
	for addr := region.Start; addr < region.End; addr += mm.PageSize {
		page := mm.PageFromAddress(addr)
		_, curFlags, err := as.pt.Lookup(page)
		if err != nil || curFlags&vmm.FlagPresent == 0 {
			continue
		}

		newFlags := flags
		if flags&vmm.FlagRW != 0 && curFlags&vmm.FlagRW == 0 {
			newFlags = (flags &^ vmm.FlagRW) | (curFlags & vmm.FlagCopyOnWrite)
		}
		if err = as.pt.Protect(page, newFlags); err != nil {
			return err
		}
	}

	return nil
}

// classify maps an error raised while resolving a fault to its outcome.
func classify(err *kernel.Error) (FaultOutcome, *kernel.Error) {
	switch err {
	case pmm.ErrOutOfMemory:
		return FaultOutOfMemory, err
	case vmobject.ErrOutOfRange:
		return FaultSegmentation, ErrSegmentationFault
	default:
		return FaultStorage, err
	}
}

// SwitchTo installs the page table of the address space as the active
// translation root.
func (as *AddressSpace) SwitchTo() {
	as.lock.Acquire()
	destroyed := as.destroyed
	as.lock.Release()

	if destroyed {
		panicFn(ErrSwitchToDestroyed)
		return
	}

	as.pt.Activate()
}

// Destroy unmaps every region, releases the objects backing them and frees
// the page table. The address space must not be active.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	if as.destroyed {
		as.lock.Release()
		return
	}
	as.destroyed = true

	regions := as.regions
	as.regions = nil
	for _, region := range regions {
		as.unmapPages(region)
	}
	as.lock.Release()

	for _, region := range regions {
		as.releaseObject(region)
	}

	if !as.kernel {
		as.pt.Destroy()
	}
}

// Fork returns a copy of the address space. Shared regions refer to the same
// objects in both address spaces. Private regions get a copy-on-write clone
// of their object and the writable mappings of the parent are downgraded so
// that the next write from either side forks the page.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	if as.kernel {
		return nil, ErrInvalidRange
	}

	child, err := New()
	if err != nil {
		return nil, err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		child.pt.Destroy()
		return nil, ErrDestroyed
	}

	child.regions = make([]*Region, 0, len(as.regions))
	for _, region := range as.regions {
		obj := region.Object
		if obj.Shared() {
			obj.Acquire()
		} else {
			obj = obj.CloneCopyOnWrite()
			as.writeProtect(region)
		}

		child.regions = append(child.regions, &Region{
			Start:  region.Start,
			End:    region.End,
			Object: obj,
			Perm:   region.Perm,
		})
	}

	return child, nil
}

// writeProtect downgrades every writable mapping of region to read-only
// copy-on-write. The caller must hold the lock.
func (as *AddressSpace) writeProtect(region *Region) {
	for addr := region.Start; addr < region.End; addr += mm.PageSize {
		page := mm.PageFromAddress(addr)
		if _, flags, err := as.pt.Lookup(page); err == nil && flags&vmm.FlagRW != 0 {
			_ = as.pt.Protect(page, (flags&^vmm.FlagRW)|vmm.FlagCopyOnWrite)
		}
	}
}

// Sync writes back the dirty pages of every shared file region.
func (as *AddressSpace) Sync() *kernel.Error {
	as.lock.Acquire()
	objects := make([]*vmobject.Object, 0, len(as.regions))
	for _, region := range as.regions {
		if region.Object.Shared() {
			region.Object.Acquire()
			objects = append(objects, region.Object)
		}
	}
	as.lock.Release()

	var firstErr *kernel.Error
	for _, obj := range objects {
		if err := obj.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := obj.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
