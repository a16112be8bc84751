package kfmt

import (
	"muffinos/kernel"
	"muffinos/kernel/cpu"
	"sync/atomic"
)

var (
	// panicking is set by the first core that enters Panic.
	panicking uint32

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuHaltFn = cpu.Halt
	cpuIDFn   = cpu.ID

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return on real hardware. Panic is used for kernel
// invariant violations such as double frees or faults inside kernel mappings.
//
// Only the first core to panic prints the banner; cores that panic afterwards
// halt silently so that the original report stays readable.
func Panic(e interface{}) {
	if !atomic.CompareAndSwapUint32(&panicking, 0, 1) {
		cpuHaltFn()
		return
	}

	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic on cpu %d: system halted ***", cpuIDFn())
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
