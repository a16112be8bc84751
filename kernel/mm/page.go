// Package mm contains the types shared by the memory management packages:
// physical frames, virtual pages, permission sets, the hook through which the
// active frame allocator is reached and the accessor used to read and write
// physical memory.
package mm

import (
	"math"
	"muffinos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. Addresses that are not page-aligned are rounded down to the page
// that contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageAligned returns true if addr lies on a page boundary.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// FrameAllocator is implemented by physical frame allocators. Frames returned
// by AllocFrame carry a single reference owned by the caller.
type FrameAllocator interface {
	// AllocFrame reserves a single physical frame.
	AllocFrame() (Frame, *kernel.Error)

	// IncRef registers an additional owner for an allocated frame.
	IncRef(Frame)

	// DecRef drops a reference to the frame and returns true if the
	// frame became free as a result.
	DecRef(Frame) bool

	// RefCount returns the number of owners of a frame.
	RefCount(Frame) uint32
}

var (
	// frameAllocator points to the allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator
)

// SetFrameAllocator registers the frame allocator that the vmm, vmobject and
// dma packages use when they need physical frames.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator.AllocFrame() }

// IncRef increments the reference count of frame.
func IncRef(frame Frame) { frameAllocator.IncRef(frame) }

// DecRef decrements the reference count of frame and reports whether the
// frame was released back to the allocator.
func DecRef(frame Frame) bool { return frameAllocator.DecRef(frame) }

// RefCount returns the reference count of frame.
func RefCount(frame Frame) uint32 { return frameAllocator.RefCount(frame) }
