package vmm

import (
	"muffinos/kernel"
	"muffinos/kernel/boot"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
)

var (
	// kernelPT points to kernelPageTable once SetupKernelPageTable
	// succeeds. Its kernel half is shared with every process page table.
	kernelPT *PageTable

	// kernelPageTable is statically allocated as it is built before the
	// Go heap is available.
	kernelPageTable PageTable

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = kernelMap

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = kernelUnmap

	earlyReserveRegionFn = EarlyReserveRegion

	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// the end of the reservation window.
	earlyReserveLastUsed = earlyReserveEnd

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errNoKernelPageTable   = &kernel.Error{Module: "vmm", Message: "kernel page table not initialized"}
)

// KernelPageTable returns the kernel page table or nil if
// SetupKernelPageTable has not been called yet.
func KernelPageTable() *PageTable {
	return kernelPT
}

// SetupKernelPageTable builds the kernel's permanent page table and activates
// it. The new table contains:
//   - a top-level entry for every slot of the kernel half, each pointing to
//     a dedicated table, so the kernel half can be shared by reference with
//     process page tables created later
//   - a mapping of the kernel image at info.KernelVirtBase
//   - a direct map of every non-reserved physical memory region at
//     info.DirectMapOffset
//
// SetupKernelPageTable does not allocate from the Go heap. Any failure at
// this stage is fatal for the caller.
func SetupKernelPageTable(info *boot.Info) (*PageTable, *kernel.Error) {
	pt := &kernelPageTable
	err := pt.init(true)
	if err != nil {
		return nil, err
	}

	root := tableFn(pt.root)
	for index := kernelHalfFirstEntry; index < entriesPerTable; index++ {
		var tableFrame mm.Frame
		if tableFrame, err = mm.AllocFrame(); err != nil {
			return nil, err
		}
		mm.ZeroFrame(tableFrame)

		root[index].SetFrame(tableFrame)
		root[index].SetFlags(FlagPresent | FlagRW)
	}

	// Map the kernel image.
	kernelFrame := mm.FrameFromAddress(info.KernelPhysStart)
	kernelPages := mm.Size(info.KernelPhysEnd - kernelFrame.Address()).Pages()
	for page, index := mm.PageFromAddress(info.KernelVirtBase), uintptr(0); index < kernelPages; page, index = page+1, index+1 {
		if err = pt.Map(page, kernelFrame+mm.Frame(index), FlagPresent|FlagRW|FlagGlobal); err != nil {
			return nil, err
		}
	}

	// Establish the direct map for all memory that is not reserved.
	var mappedBytes uint64
	info.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type == boot.MemReserved {
			return true
		}

		startFrame := mm.FrameFromAddress(uintptr(region.PhysAddress))
		endFrame := mm.FrameFromAddress(uintptr(region.PhysAddress+region.Length) + mm.PageSize - 1)
		for frame := startFrame; frame < endFrame; frame++ {
			page := mm.PageFromAddress(info.DirectMapOffset + frame.Address())
			if err = pt.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute|FlagGlobal); err != nil {
				// Regions reported by the firmware may share a
				// partial frame at their boundary.
				if err == ErrAlreadyMapped {
					err = nil
					continue
				}
				return false
			}
			mappedBytes += uint64(mm.PageSize)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	kfmt.Printf("[vmm] kernel page table at 0x%x; direct map: %dKb at 0x%x\n",
		pt.root.Address(), mappedBytes/uint64(mm.Kb), info.DirectMapOffset)

	// Activate the new table. After this point, any mappings established
	// by the bootloader outside the kernel image and the direct map
	// become invalid.
	pt.Activate()
	kernelPT = pt

	return pt, nil
}

// Map establishes a mapping between a page and a frame in the kernel page
// table.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapFn(page, frame, flags)
}

func kernelMap(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if kernelPT == nil {
		return errNoKernelPageTable
	}
	return kernelPT.Map(page, frame, flags)
}

func kernelUnmap(page mm.Page) (mm.Frame, *kernel.Error) {
	if kernelPT == nil {
		return mm.InvalidFrame, errNoKernelPageTable
	}
	return kernelPT.Unmap(page)
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// Reserved regions are never returned to the window.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if size > earlyReserveLastUsed-earlyReserveStart {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the kernel address space, establishes the mapping and
// returns back the Page that corresponds to the region start.
//
// If a page cannot be mapped, the pages mapped so far are unmapped before the
// error is returned so no entry is left pointing at the frames.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	// Reserve next free block in the address space
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	firstPage := mm.PageFromAddress(startPage)
	pageCount := size >> mm.PageShift
	for index := uintptr(0); index < pageCount; index++ {
		if err = mapFn(firstPage+mm.Page(index), frame+mm.Frame(index), flags); err != nil {
			if index != 0 {
				if unmapErr := UnmapRegion(firstPage, index<<mm.PageShift); unmapErr != nil {
					kfmt.Printf("[vmm] unable to roll back region at 0x%16x: %s\n", startPage, unmapErr.Message)
				}
			}
			return 0, err
		}
	}

	return firstPage, nil
}

// UnmapRegion removes the mappings installed by MapRegion for size bytes
// starting at page.
func UnmapRegion(page mm.Page, size uintptr) *kernel.Error {
	pageCount := (size + (mm.PageSize - 1)) >> mm.PageShift
	for ; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if _, err := unmapFn(page); err != nil {
			return err
		}
	}
	return nil
}
