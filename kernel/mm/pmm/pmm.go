// Package pmm manages the inventory of physical memory frames.
//
// Frame allocation happens in two stages. While the kernel boots, a bump
// allocator hands out frames directly from the usable regions of the
// bootloader memory map. The run allocator then takes over: it tracks every
// usable frame in a descriptor table indexed by frame number and inherits the
// frames handed out by the first stage as allocated. Both stages run before
// the Go heap exists; the descriptor table lives in frames carved out of the
// boot allocator and accessed through the direct map.
package pmm

import (
	"muffinos/kernel"
	"muffinos/kernel/boot"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when the allocator cannot satisfy a
	// request. Callers must propagate it.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidRequest is returned for zero-length requests or alignments
	// that are not a power of two.
	ErrInvalidRequest = &kernel.Error{Module: "pmm", Message: "invalid allocation request"}

	// ErrFrameDoubleFree is raised when a reference to a frame that is
	// already free gets dropped.
	ErrFrameDoubleFree = &kernel.Error{Module: "pmm", Message: "frame double free (refcount underflow)"}

	// ErrRefOnFreeFrame is raised when a reference is added to a free frame.
	ErrRefOnFreeFrame = &kernel.Error{Module: "pmm", Message: "reference added to free frame"}

	// bootMemAlloc is the frame allocator used when the kernel boots. It
	// is used to bootstrap the run allocator which serves all allocations
	// while the kernel runs.
	bootMemAlloc bootMemAllocator

	// runAlloc is the standard allocator used by the kernel.
	runAlloc RunAllocator

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic
)

// InitEarly sets up the boot memory allocator from the bootloader memory map
// and installs it as the active frame allocator. Frames allocated before Init
// is called can never be freed.
func InitEarly(info *boot.Info) {
	bootMemAlloc.init(info)
	bootMemAlloc.printMemoryMap()
	mm.SetFrameAllocator(&bootMemAlloc)
}

// Init sets up the run allocator, transfers the frames handed out by the boot
// allocator to it and installs it as the active frame allocator. InitEarly
// must be called first.
func Init() *kernel.Error {
	if err := runAlloc.init(bootMemAlloc.info, &bootMemAlloc, bootMemAlloc.allocDescTable); err != nil {
		return err
	}
	mm.SetFrameAllocator(&runAlloc)

	stats := runAlloc.Stats()
	kfmt.Printf("[pmm] frames: %d total, %d free, %d allocated during boot\n",
		stats.TotalFrames, stats.FreeFrames, stats.AllocatedFrames)
	return nil
}

// AllocFrame reserves a single physical frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return runAlloc.AllocFrame()
}

// AllocContiguous reserves count physically contiguous frames aligned to
// align bytes. It is used for DMA buffers.
func AllocContiguous(count uint32, align uintptr) (mm.Frame, *kernel.Error) {
	return runAlloc.AllocContiguous(count, align)
}

// FreeFrame drops the caller's reference to frame.
func FreeFrame(frame mm.Frame) {
	runAlloc.FreeFrame(frame)
}

// FreeContiguous drops the caller's reference to a run of count frames.
func FreeContiguous(frame mm.Frame, count uint32) {
	runAlloc.FreeContiguous(frame, count)
}

// IncRef registers an additional owner for frame.
func IncRef(frame mm.Frame) {
	runAlloc.IncRef(frame)
}

// DecRef drops a reference to frame and returns true if it became free.
func DecRef(frame mm.Frame) bool {
	return runAlloc.DecRef(frame)
}

// RefCount returns the number of owners of frame.
func RefCount(frame mm.Frame) uint32 {
	return runAlloc.RefCount(frame)
}

// GetStats returns a snapshot of the frame inventory.
func GetStats() Stats {
	return runAlloc.Stats()
}
