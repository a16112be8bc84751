// Package gate installs the CPU exception gates and routes exceptions to the
// handlers registered by other kernel packages.
package gate

import (
	"io"
	"muffinos/kernel"
	"muffinos/kernel/kfmt"
	"unsafe"
)

// Registers contains a snapshot of all register values when an exception
// occurs. The field order matches the layout of the stack built by the gate
// entry points.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Number is the exception number that triggered the gate.
	Number uint64

	// Info contains the exception error code. Exceptions that do not
	// push an error code report 0.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// FromUserMode returns true if the exception interrupted code running in
// ring 3.
func (r *Registers) FromUserMode() bool {
	return r.CS&3 == 3
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)
)

const (
	// exceptionCount is the number of gates reserved for CPU exceptions.
	exceptionCount = 32

	// kernelCodeSelector is the 64-bit code segment selector of the GDT
	// installed by the bootloader.
	kernelCodeSelector = 0x28

	// gateTypeInterrupt marks a present, ring 0 interrupt gate that
	// clears IF on entry.
	gateTypeInterrupt = 0x8e
)

// idtEntry is the 16-byte amd64 interrupt descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

func (e *idtEntry) set(addr uintptr, istOffset uint8) {
	e.offsetLow = uint16(addr)
	e.offsetMid = uint16(addr >> 16)
	e.offsetHigh = uint32(addr >> 32)
	e.selector = kernelCodeSelector
	e.ist = istOffset & 0x7
	e.typeAttr = gateTypeInterrupt
}

func (e *idtEntry) address() uintptr {
	return uintptr(e.offsetLow) | uintptr(e.offsetMid)<<16 | uintptr(e.offsetHigh)<<32
}

var (
	idt [exceptionCount]idtEntry

	// idtDescriptor holds the limit (2 bytes) and base (8 bytes) loaded
	// by LIDT.
	idtDescriptor [10]byte

	handlers [exceptionCount]func(*Registers)

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn          = loadIDT
	gateEntryAddressFn = gateEntryAddress
	panicFn            = kfmt.Panic

	errUnhandledException = &kernel.Error{Module: "gate", Message: "unhandled exception"}
)

// Init populates the IDT with the exception entry points and loads it. All
// gates start out non-present and are enabled by HandleInterrupt.
func Init() {
	limit := uint16(unsafe.Sizeof(idt) - 1)
	base := uint64(uintptr(unsafe.Pointer(&idt[0])))

	idtDescriptor[0], idtDescriptor[1] = byte(limit), byte(limit>>8)
	for i := 0; i < 8; i++ {
		idtDescriptor[2+i] = byte(base >> (8 * uint(i)))
	}

	loadIDTFn(uintptr(unsafe.Pointer(&idtDescriptor[0])))
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular exception occurs. The value of the istOffset argument specifies
// the offset in the interrupt stack table (if 0 then IST is not used).
// Handlers run with interrupts disabled; any changes they make to the
// supplied Registers are restored when the exception returns.
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	if intNumber >= exceptionCount {
		return
	}

	handlers[intNumber] = handler
	idt[intNumber].set(gateEntryAddressFn(uint8(intNumber)), istOffset)
}

// dispatchInterrupt is invoked by the gate entry points to route an incoming
// exception to the registered handler.
func dispatchInterrupt(regs *Registers) {
	if regs.Number < exceptionCount {
		if handler := handlers[regs.Number]; handler != nil {
			handler(regs)
			return
		}
	}

	kfmt.Printf("\nunhandled exception %d (error code 0x%x)\n", regs.Number, regs.Info)
	regs.DumpTo(kfmt.IndentedSink("  "))
	panicFn(errUnhandledException)
}

// loadIDT loads the IDT descriptor at the supplied address.
func loadIDT(descriptor uintptr)

// gateEntryAddress returns the address of the entry point for an exception
// number.
func gateEntryAddress(index uint8) uintptr

// The exception entry points and the common register save path are
// implemented in assembly. The entry points are only reached through
// gateEntryTable.
func gateCommon()
func gateEntry0()
func gateEntry1()
func gateEntry2()
func gateEntry3()
func gateEntry4()
func gateEntry5()
func gateEntry6()
func gateEntry7()
func gateEntry8()
func gateEntry9()
func gateEntry10()
func gateEntry11()
func gateEntry12()
func gateEntry13()
func gateEntry14()
func gateEntry15()
func gateEntry16()
func gateEntry17()
func gateEntry18()
func gateEntry19()
func gateEntry20()
func gateEntry21()
func gateEntry22()
func gateEntry23()
func gateEntry24()
func gateEntry25()
func gateEntry26()
func gateEntry27()
func gateEntry28()
func gateEntry29()
func gateEntry30()
func gateEntry31()
