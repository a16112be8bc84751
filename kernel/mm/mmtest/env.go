package mmtest

import (
	"muffinos/kernel/boot"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/pmm"
	"testing"
)

// ArenaBase is the physical address where the arena of an Env starts.
const ArenaBase = uintptr(0x100000)

// Env bundles a simulated physical memory arena with a run allocator that
// manages it. Both are installed into the mm package for the duration of a
// test.
type Env struct {
	Mem   *PhysMem
	Alloc *pmm.RunAllocator
}

// NewEnv sets up a size byte arena at ArenaBase, installs it as the physical
// memory accessor and registers a run allocator for it as the active frame
// allocator. The previous state is restored when the test completes.
func NewEnv(t testing.TB, size uintptr) *Env {
	return NewEnvWithInfo(t, size, func(*boot.Info) {})
}

// NewEnvWithInfo behaves like NewEnv but allows the caller to tweak the boot
// information (e.g. to place the kernel image inside the arena) before the
// allocator is built.
func NewEnvWithInfo(t testing.TB, size uintptr, tweak func(*boot.Info)) *Env {
	mem := NewPhysMem(ArenaBase, size)
	restore := mem.Install()

	info := &boot.Info{MemoryMap: mem.UsableMemoryMap()}
	tweak(info)

	alloc, err := pmm.NewRunAllocator(info)
	if err != nil {
		restore()
		t.Fatalf("unable to set up frame allocator: %v", err)
	}
	mm.SetFrameAllocator(alloc)

	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		restore()
	})

	return &Env{Mem: mem, Alloc: alloc}
}

// FreeFrames returns the number of free frames in the arena.
func (env *Env) FreeFrames() uint64 {
	return env.Alloc.Stats().FreeFrames
}
