// Package mmtest provides a simulated physical memory arena that tests install
// as the mm physical memory accessor. It allows the frame allocator, page
// tables and VM objects to run against "physical" addresses in user space.
package mmtest

import (
	"fmt"
	"muffinos/kernel/boot"
	"muffinos/kernel/mm"
)

// PhysMem simulates a contiguous block of physical memory covering the
// address range [Base, Base+len(data)).
type PhysMem struct {
	Base uintptr
	data []byte
}

// NewPhysMem allocates a simulated physical memory block. Both base and size
// must be page-aligned.
func NewPhysMem(base, size uintptr) *PhysMem {
	if !mm.PageAligned(base) || !mm.PageAligned(size) {
		panic("mmtest: base and size must be page-aligned")
	}

	return &PhysMem{Base: base, data: make([]byte, size)}
}

// Install registers the arena as the mm physical memory accessor and returns
// a function that restores the default accessor.
func (m *PhysMem) Install() func() {
	mm.SetPhysMemAccessor(m.Access)
	return func() { mm.SetPhysMemAccessor(nil) }
}

// Access implements mm.PhysMemAccessorFn. Accesses outside the arena panic so
// that stray physical addresses in tests are caught immediately.
func (m *PhysMem) Access(physAddr, size uintptr) []byte {
	if physAddr < m.Base || physAddr+size > m.Base+uintptr(len(m.data)) {
		panic(fmt.Sprintf("mmtest: physical access [0x%x, 0x%x) outside arena [0x%x, 0x%x)",
			physAddr, physAddr+size, m.Base, m.Base+uintptr(len(m.data))))
	}

	off := physAddr - m.Base
	return m.data[off : off+size : off+size]
}

// Size returns the arena size in bytes.
func (m *PhysMem) Size() uintptr {
	return uintptr(len(m.data))
}

// FirstFrame returns the first frame covered by the arena.
func (m *PhysMem) FirstFrame() mm.Frame {
	return mm.FrameFromAddress(m.Base)
}

// FrameCount returns the number of frames covered by the arena.
func (m *PhysMem) FrameCount() int {
	return len(m.data) >> mm.PageShift
}

// UsableMemoryMap returns a boot memory map that reports the entire arena as
// a single usable region.
func (m *PhysMem) UsableMemoryMap() []boot.MemoryMapEntry {
	return []boot.MemoryMapEntry{
		{PhysAddress: uint64(m.Base), Length: uint64(len(m.data)), Type: boot.MemUsable},
	}
}

// Fill sets every byte of frame to value.
func (m *PhysMem) Fill(frame mm.Frame, value byte) {
	data := m.Access(frame.Address(), mm.PageSize)
	for i := range data {
		data[i] = value
	}
}
