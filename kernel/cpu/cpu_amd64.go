// Package cpu exposes the privileged amd64 instructions used by the memory
// manager. All functions are implemented in assembly and fault when invoked
// from user-mode; callers keep them behind function variables so tests can
// substitute them.
package cpu

// DisableInterrupts disables interrupt handling and returns the RFLAGS value
// observed before interrupts were masked.
func DisableInterrupts() uintptr

// RestoreInterrupts reloads RFLAGS with a value returned by
// DisableInterrupts. Interrupts are only re-enabled if they were enabled when
// the value was saved.
func RestoreInterrupts(flags uintptr)

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns the local APIC id of the executing core. The memory manager uses
// it to index per-core state such as the fault nesting depth.
func ID() uint32
