package mm

import (
	"reflect"
	"unsafe"
)

// PhysMemAccessorFn returns a byte slice that overlays size bytes of physical
// memory starting at physAddr.
type PhysMemAccessorFn func(physAddr, size uintptr) []byte

var (
	// directMapOffset is the virtual address at which physical address 0
	// is mapped.
	directMapOffset uintptr

	physMemAccessor PhysMemAccessorFn = directMapAccessor
)

// SetDirectMapOffset sets the virtual address where the bootloader (and later
// the kernel page table) maps the start of physical memory.
func SetDirectMapOffset(offset uintptr) { directMapOffset = offset }

// DirectMapAddress returns the virtual address through which physAddr can be
// accessed.
func DirectMapAddress(physAddr uintptr) uintptr { return directMapOffset + physAddr }

// SetPhysMemAccessor overrides the function used to access physical memory.
// Passing nil restores the default accessor which uses the direct map.
func SetPhysMemAccessor(fn PhysMemAccessorFn) {
	if fn == nil {
		fn = directMapAccessor
	}
	physMemAccessor = fn
}

// PhysBytes returns a slice overlaying size bytes of physical memory starting
// at physAddr.
func PhysBytes(physAddr, size uintptr) []byte {
	return physMemAccessor(physAddr, size)
}

// FrameData returns a slice overlaying the contents of frame.
func FrameData(frame Frame) []byte {
	return physMemAccessor(frame.Address(), PageSize)
}

// ZeroFrame clears the contents of frame. Instead of looping over each byte
// it performs log2(PageSize) copy calls.
func ZeroFrame(frame Frame) {
	target := FrameData(frame)
	target[0] = 0
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// CopyFrame copies the contents of src into dst.
func CopyFrame(dst, src Frame) {
	copy(FrameData(dst), FrameData(src))
}

func directMapAccessor(physAddr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: DirectMapAddress(physAddr),
	}))
}
