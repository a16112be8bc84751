// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
//
// The functions tagged with go:redirect-from replace their runtime
// counterparts once the kernel image has been patched by tools/redirects.
// They back the Go heap with frames from the mm frame allocator mapped into
// the kernel page table, so Init can only be called after the run allocator
// and the kernel page table are online.
package goruntime

import (
	"muffinos/kernel"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/vmm"
	"unsafe"
)

var (
	mapFn                = vmm.Map
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	frameAllocFn         = mm.AllocFrame
	panicFn              = kfmt.Panic
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de

	// heapMapFlags are used for every page that backs the Go heap.
	heapMapFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute | vmm.FlagGlobal
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// pageAlign rounds size up to the nearest page boundary.
func pageAlign(size uintptr) uintptr {
	return (size + mm.PageSize - 1) & ^(mm.PageSize - 1)
}

// mapZeroedFrames backs size bytes starting at the page-aligned address
// regionStartAddr with freshly allocated and cleared frames. The runtime
// expects newly mapped memory to be zeroed.
//
//go:nosplit
func mapZeroedFrames(regionStartAddr, size uintptr) *kernel.Error {
	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}
		mm.ZeroFrame(frame)

		if err = mapFn(page, frame, heapMapFlags); err != nil {
			mm.DecRef(frame)
			return err
		}
	}
	return nil
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings. The address hint is ignored; the region is
// carved out of the kernel's early reservation window.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	regionStartAddr, err := earlyReserveRegionFn(pageAlign(size))
	if err != nil {
		panicFn(err)
		return unsafe.Pointer(uintptr(0))
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMap backs a region previously reserved via sysReserve with zeroed
// frames.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	// We trust the allocator to call sysMap with an address inside a reserved region.
	regionStartAddr := pageAlign(uintptr(virtAddr))
	regionSize := pageAlign(size)

	if err := mapZeroedFrames(regionStartAddr, regionSize); err != nil {
		panicFn(err)
		return
	}

	mSysStatInc(sysStat, regionSize)
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the pointer to the virtual region start. It returns nil if the request
// cannot be satisfied.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageAlign(size)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	if err = mapZeroedFrames(regionStartAddr, regionSize); err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, regionSize)
	return unsafe.Pointer(regionStartAddr)
}

// sysFree is a no-op. Regions obtained from the early reservation window are
// never returned to it and the runtime only frees memory it reserved but
// could not use.
//
// This function replaces runtime.sysFree.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(_ unsafe.Pointer, _ uintptr, _ *uint64) {}

// nanotime returns a monotonically increasing clock value. There is no
// timekeeping support so it always returns the same value.
//
// This function replaces runtime.nanotime1 and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime() int64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The runtime
// reads a random stream from /dev/urandom but since this is not available, we
// use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		stat    uint64
		zeroPtr = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0)
	sysMap(zeroPtr, 0, &stat)
	sysAlloc(0, &stat)
	sysFree(zeroPtr, 0, &stat)
	getRandomData(nil)
	stat = uint64(nanotime())
}
