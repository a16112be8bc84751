// Package dma allocates physically contiguous buffers that device drivers
// hand to DMA-capable hardware. Buffers are mapped uncached into the kernel
// half so that CPU and device views stay coherent.
package dma

import (
	"muffinos/kernel"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/pmm"
	"muffinos/kernel/mm/vmm"
	"reflect"
	"unsafe"
)

// bufferFlags are the page table flags used for buffer mappings.
const bufferFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute | vmm.FlagGlobal | vmm.FlagDoNotCache | vmm.FlagWriteThroughCaching

var (
	// ErrInvalidSize is returned by Alloc for zero-sized requests or
	// requests that do not fit a single contiguous run.
	ErrInvalidSize = &kernel.Error{Module: "dma", Message: "invalid buffer size"}

	// ErrBufferFreed is returned when a buffer is freed twice.
	ErrBufferFreed = &kernel.Error{Module: "dma", Message: "buffer already freed"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocContiguousFn = pmm.AllocContiguous
	freeContiguousFn  = pmm.FreeContiguous
	mapRegionFn       = vmm.MapRegion
	unmapRegionFn     = vmm.UnmapRegion
	bytesFn           = virtBytes
)

// Buffer is a physically contiguous, uncached memory buffer.
type Buffer struct {
	frame mm.Frame
	pages uint32
	page  mm.Page
}

// Alloc returns a buffer of at least size bytes whose physical address is a
// multiple of align. Allocation failures, including pmm.ErrOutOfMemory, are
// returned to the caller.
func Alloc(size, align uintptr) (*Buffer, *kernel.Error) {
	pages := (size + mm.PageSize - 1) >> mm.PageShift
	if pages == 0 || pages > uintptr(^uint32(0)) {
		return nil, ErrInvalidSize
	}

	frame, err := allocContiguousFn(uint32(pages), align)
	if err != nil {
		return nil, err
	}

	page, err := mapRegionFn(frame, pages<<mm.PageShift, bufferFlags)
	if err != nil {
		freeContiguousFn(frame, uint32(pages))
		return nil, err
	}

	return &Buffer{frame: frame, pages: uint32(pages), page: page}, nil
}

// PhysAddr returns the physical address to program into the device.
func (b *Buffer) PhysAddr() uintptr { return b.frame.Address() }

// VirtAddr returns the kernel virtual address of the buffer.
func (b *Buffer) VirtAddr() uintptr { return b.page.Address() }

// Len returns the buffer size in bytes.
func (b *Buffer) Len() uintptr { return uintptr(b.pages) << mm.PageShift }

// Bytes returns a slice that accesses the buffer through its uncached
// mapping.
func (b *Buffer) Bytes() []byte {
	return bytesFn(b)
}

// Free unmaps the buffer and returns its frames to the allocator. The
// virtual range of the mapping is not reused.
func (b *Buffer) Free() *kernel.Error {
	if !b.frame.Valid() {
		return ErrBufferFreed
	}

	if err := unmapRegionFn(b.page, b.Len()); err != nil {
		kfmt.Printf("[dma] unable to unmap buffer at 0x%16x: %s\n", b.VirtAddr(), err.Message)
		return err
	}

	freeContiguousFn(b.frame, b.pages)
	b.frame = mm.InvalidFrame
	return nil
}

func virtBytes(b *Buffer) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(b.Len()),
		Cap:  int(b.Len()),
		Data: b.VirtAddr(),
	}))
}
