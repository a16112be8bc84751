package pmm

import (
	"muffinos/kernel"
	"muffinos/kernel/boot"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"reflect"
	"unsafe"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame. Allocations are tracked via an internal counter that contains
// the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated frames. Once the run allocator is initialized, every frame handed
// out by this allocator is transferred to it as allocated.
type bootMemAllocator struct {
	info *boot.Info

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(info *boot.Info) {
	alloc.info = info
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0
	alloc.kernelStartFrame, alloc.kernelEndFrame = kernelFrames(info)
}

// kernelFrames returns the inclusive frame range occupied by the kernel image.
// If the image is empty the returned end frame precedes the start frame.
func kernelFrames(info *boot.Info) (mm.Frame, mm.Frame) {
	start := mm.FrameFromAddress(info.KernelPhysStart)
	end := mm.FrameFromAddress(info.KernelPhysEnd + mm.PageSize - 1)
	if end == start {
		return 1, 0
	}
	return start, end - 1
}

// usableFrames returns the inclusive range of whole frames contained in a
// usable memory region. Reported addresses may not be page-aligned so the
// start is rounded up and the end is rounded down. The ok flag is false for
// regions that do not contain a single whole frame.
func usableFrames(region *boot.MemoryMapEntry) (start, end mm.Frame, ok bool) {
	if region.Type != boot.MemUsable {
		return 0, 0, false
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startAddr := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
	endAddr := (region.PhysAddress + region.Length) & ^pageSizeMinus1
	if endAddr <= startAddr {
		return 0, 0, false
	}

	return mm.Frame(startAddr >> mm.PageShift), mm.Frame(endAddr>>mm.PageShift) - 1, true
}

// inKernelImage returns true if frame is occupied by the kernel image.
func (alloc *bootMemAllocator) inKernelImage(frame mm.Frame) bool {
	return frame >= alloc.kernelStartFrame && frame <= alloc.kernelEndFrame
}

// handedOut returns true if frame is a usable frame that has already been
// returned by AllocFrame.
func (alloc *bootMemAllocator) handedOut(frame mm.Frame) bool {
	return alloc.allocCount != 0 && frame <= alloc.lastAllocFrame && !alloc.inKernelImage(frame)
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	alloc.info.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		regionStartFrame, regionEndFrame, ok := usableFrames(region)
		if !ok {
			return true
		}

		candidate := regionStartFrame
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= candidate {
			candidate = alloc.lastAllocFrame + 1
		}

		// Jump over the kernel image if the candidate lands inside it.
		if alloc.inKernelImage(candidate) {
			candidate = alloc.kernelEndFrame + 1
		}

		if candidate > regionEndFrame {
			return true
		}

		alloc.lastAllocFrame = candidate
		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// allocDescTable reserves enough physically contiguous frames to hold count
// frame descriptors and returns a zeroed table that overlays them through the
// physical memory accessor. Frames skipped while looking for a contiguous run
// stay allocated.
func (alloc *bootMemAllocator) allocDescTable(count uintptr) ([]frameDesc, *kernel.Error) {
	size := count * unsafe.Sizeof(frameDesc{})
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift

	var first, last mm.Frame
	for run := uintptr(0); run < pageCount; run++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return nil, err
		}
		if run != 0 && frame != last+1 {
			run = 0
		}
		if run == 0 {
			first = frame
		}
		last = frame
	}

	data := mm.PhysBytes(first.Address(), pageCount<<mm.PageShift)
	for i := range data {
		data[i] = 0
	}

	return *(*[]frameDesc)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(count),
		Cap:  int(count),
		Data: uintptr(unsafe.Pointer(&data[0])),
	})), nil
}

// IncRef is a no-op; frames handed out by the boot allocator are never
// shared before the run allocator takes over.
func (alloc *bootMemAllocator) IncRef(_ mm.Frame) {}

// DecRef always returns false as the boot allocator cannot free frames.
func (alloc *bootMemAllocator) DecRef(_ mm.Frame) bool { return false }

// RefCount returns 1 for frames handed out by the allocator and 0 otherwise.
func (alloc *bootMemAllocator) RefCount(frame mm.Frame) uint32 {
	if alloc.handedOut(frame) {
		return 1
	}
	return 0
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	alloc.info.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == boot.MemUsable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.info.KernelPhysStart, alloc.info.KernelPhysEnd)
}
