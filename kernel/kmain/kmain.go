// Package kmain contains the kernel entry point that brings up the memory
// manager.
package kmain

import (
	"muffinos/kernel"
	"muffinos/kernel/boot"
	"muffinos/kernel/cpu"
	"muffinos/kernel/gate"
	"muffinos/kernel/goruntime"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/addrspace"
	"muffinos/kernel/mm/fault"
	"muffinos/kernel/mm/pmm"
	"muffinos/kernel/mm/vmm"
	"muffinos/kernel/sync"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// kernelAS is the address space that wraps the kernel page table.
	kernelAS *addrspace.AddressSpace

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn             = kfmt.Panic
	disableInterruptsFn = cpu.DisableInterrupts
	restoreInterruptsFn = cpu.RestoreInterrupts
	goruntimeInitFn     = goruntime.Init
	gateInitFn          = gate.Init
	faultInitFn         = fault.Init
)

// KernelAddressSpace returns the kernel address space or nil if the memory
// manager has not been initialized yet.
func KernelAddressSpace() *addrspace.AddressSpace {
	return kernelAS
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code collects the bootloader handoff into a
// boot.Info value and invokes Kmain with it.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(info *boot.Info) {
	mm.SetDirectMapOffset(info.DirectMapOffset)
	sync.SetInterruptHooks(disableInterruptsFn, restoreInterruptsFn)

	kfmt.Printf("[kmain] starting muffinos\n")

	if err := initMemory(info); err != nil {
		panicFn(err)
		return
	}

	gateInitFn()
	faultInitFn()
	kfmt.Printf("[kmain] memory manager online\n")

	// Use panicFn instead of panic to prevent the compiler from treating
	// kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// initMemory brings up the frame allocator, the kernel page table and the Go
// heap, in that order, as each stage depends on the previous one. Nothing
// before goruntime.Init may allocate from the heap. Any error returned here is
// fatal.
func initMemory(info *boot.Info) *kernel.Error {
	pmm.InitEarly(info)

	if err := pmm.Init(); err != nil {
		return err
	}

	pt, err := vmm.SetupKernelPageTable(info)
	if err != nil {
		return err
	}

	if err = goruntimeInitFn(); err != nil {
		return err
	}

	kernelAS = addrspace.NewKernel(pt)
	return nil
}
