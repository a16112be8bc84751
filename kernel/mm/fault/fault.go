// Package fault implements the page fault handler. Faults on user addresses
// are resolved through the address space of the running task; faults that
// indicate corrupted kernel mappings halt the system.
package fault

import (
	"muffinos/kernel"
	"muffinos/kernel/cpu"
	"muffinos/kernel/gate"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/addrspace"
	"muffinos/kernel/mm/vmm"
	"sync/atomic"
)

// maxCPUs bounds the number of cores tracked by the nesting counters.
const maxCPUs = 64

// Page fault error code bits pushed by the CPU.
const (
	errCodePresent     = 1 << 0
	errCodeWrite       = 1 << 1
	errCodeUser        = 1 << 2
	errCodeReservedBit = 1 << 3
	errCodeInstruction = 1 << 4
)

var (
	// ErrReentrantFault is raised when a page fault occurs while the same
	// task is already servicing one.
	ErrReentrantFault = &kernel.Error{Module: "fault", Message: "page fault while servicing a page fault"}

	// ErrKernelMappingFault is raised when kernel code faults on a kernel
	// half address.
	ErrKernelMappingFault = &kernel.Error{Module: "fault", Message: "page fault inside kernel mappings"}

	// ErrNoAddressSpace is raised when kernel code faults on a user
	// address while no task address space is available.
	ErrNoAddressSpace = &kernel.Error{Module: "fault", Message: "page fault on user address without an active address space"}

	// ErrCorruptedPageTable is raised when the CPU reports a reserved bit
	// set in a page table entry.
	ErrCorruptedPageTable = &kernel.Error{Module: "fault", Message: "reserved bit set in page table entry"}

	// ErrDoubleFault is raised by the double fault handler.
	ErrDoubleFault = &kernel.Error{Module: "fault", Message: "double fault"}

	// ErrGeneralProtection is raised when kernel code triggers a general
	// protection fault and is the termination reason for user tasks that
	// do.
	ErrGeneralProtection = &kernel.Error{Module: "fault", Message: "general protection fault"}

	// nesting tracks the number of faults being serviced by each core
	// while no task is running.
	nesting [maxCPUs]int32

	scheduler Scheduler

	stats struct {
		resolved, segmentation, storage, outOfMemory uint64
	}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuIDFn           = cpu.ID
	readCR2Fn         = cpu.ReadCR2
	handleInterruptFn = gate.HandleInterrupt
	panicFn           = kfmt.Panic
)

// Privilege is the privilege level of the code that triggered a fault.
type Privilege uint8

const (
	// PrivilegeKernel is ring 0.
	PrivilegeKernel Privilege = iota

	// PrivilegeUser is ring 3.
	PrivilegeUser
)

// String implements fmt.Stringer for Privilege.
func (p Privilege) String() string {
	if p == PrivilegeUser {
		return "user"
	}
	return "kernel"
}

// Context describes a single page fault.
type Context struct {
	Address   uintptr
	Access    mm.Access
	Privilege Privilege
}

// State is the progress of a fault through the handler.
type State uint8

const (
	// StateReceived is the initial state of every fault.
	StateReceived State = iota

	// StateClassified means that the faulting address was matched against
	// the address spaces and found to be recoverable.
	StateClassified

	// StateResolving means that the backing page is being produced.
	StateResolving

	// StateCompleted means that a mapping is in place and the faulting
	// instruction can be retried.
	StateCompleted

	// StateFailed means that the fault could not be resolved.
	StateFailed
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateClassified:
		return "classified"
	case StateResolving:
		return "resolving"
	case StateCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Action instructs the interrupt layer how to proceed after a fault.
type Action uint8

const (
	// ActionResume retries the faulting instruction.
	ActionResume Action = iota

	// ActionTerminate terminates the faulting task.
	ActionTerminate
)

// Scheduler provides the task information needed by the fault handler.
type Scheduler interface {
	// CurrentAddressSpace returns the address space of the task running
	// on the calling core or nil if no task is running.
	CurrentAddressSpace() *addrspace.AddressSpace

	// TerminateCurrent terminates the task running on the calling core.
	TerminateCurrent(reason *kernel.Error)

	// FaultDepth returns the page fault nesting counter stored with the
	// task running on the calling core or nil if no task is running. A
	// task that blocks while its fault is resolved keeps its count, so
	// faults raised by other tasks on the same core are not nested.
	FaultDepth() *int32
}

// SetScheduler registers the scheduler consulted by the fault handler.
func SetScheduler(s Scheduler) { scheduler = s }

// Stats contains fault counters by outcome.
type Stats struct {
	Resolved     uint64
	Segmentation uint64
	Storage      uint64
	OutOfMemory  uint64
}

// GetStats returns a snapshot of the fault counters.
func GetStats() Stats {
	return Stats{
		Resolved:     atomic.LoadUint64(&stats.resolved),
		Segmentation: atomic.LoadUint64(&stats.segmentation),
		Storage:      atomic.LoadUint64(&stats.storage),
		OutOfMemory:  atomic.LoadUint64(&stats.outOfMemory),
	}
}

// Init installs the exception handlers for page faults, double faults and
// general protection faults.
func Init() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.DoubleFault, 0, doubleFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// Handle services a page fault and reports whether the faulting task can
// resume.
func Handle(ctx Context) Action {
	action, _ := handle(ctx, nil)
	return action
}

// pageFault tracks the progress of a fault through the state machine.
type pageFault struct {
	ctx     Context
	state   State
	visited uint8

	outcome addrspace.FaultOutcome
	err     *kernel.Error
	fatal   bool
}

func (f *pageFault) advance(next State) {
	f.state = next
	f.visited |= 1 << next
}

func (f *pageFault) fail(outcome addrspace.FaultOutcome, err *kernel.Error) {
	f.outcome, f.err = outcome, err
	f.advance(StateFailed)
}

func (f *pageFault) failFatal(err *kernel.Error) {
	f.err, f.fatal = err, true
	f.advance(StateFailed)
}

// handle services a fault and returns the action for the interrupt layer
// along with the reason for terminating the task.
func handle(ctx Context, regs *gate.Registers) (Action, *kernel.Error) {
	counter := faultDepth()
	depth := atomic.AddInt32(counter, 1)
	defer atomic.AddInt32(counter, -1)

	if depth > 1 {
		fatal(ctx, regs, ErrReentrantFault)
		return ActionTerminate, ErrReentrantFault
	}

	f := pageFault{ctx: ctx}
	f.resolve()

	switch {
	case f.fatal:
		fatal(ctx, regs, f.err)
		return ActionTerminate, f.err
	case f.state == StateCompleted:
		atomic.AddUint64(&stats.resolved, 1)
		return ActionResume, nil
	}

	switch f.outcome {
	case addrspace.FaultStorage:
		atomic.AddUint64(&stats.storage, 1)
		kfmt.Printf("[fault] storage error while resolving %s fault at 0x%16x: %s\n", ctx.Access.String(), ctx.Address, f.err.Message)
	case addrspace.FaultOutOfMemory:
		atomic.AddUint64(&stats.outOfMemory, 1)
		kfmt.Printf("[fault] out of memory while resolving %s fault at 0x%16x\n", ctx.Access.String(), ctx.Address)
	default:
		atomic.AddUint64(&stats.segmentation, 1)
		kfmt.Printf("[fault] segmentation fault: %s access to 0x%16x (%s)\n", ctx.Access.String(), ctx.Address, ctx.Privilege.String())
	}

	return ActionTerminate, f.err
}

// faultDepth returns the nesting counter of the running task, falling back to
// the counter of the calling core.
func faultDepth() *int32 {
	if scheduler != nil {
		if counter := scheduler.FaultDepth(); counter != nil {
			return counter
		}
	}
	return &nesting[cpuIDFn()%maxCPUs]
}

// resolve drives the fault from StateReceived to either StateCompleted or
// StateFailed.
func (f *pageFault) resolve() {
	f.advance(StateReceived)

	if !vmm.IsUserAddress(f.ctx.Address) {
		if f.ctx.Privilege == PrivilegeUser {
			f.fail(addrspace.FaultSegmentation, addrspace.ErrSegmentationFault)
			return
		}
		f.failFatal(ErrKernelMappingFault)
		return
	}

	var as *addrspace.AddressSpace
	if scheduler != nil {
		as = scheduler.CurrentAddressSpace()
	}
	if as == nil {
		f.failFatal(ErrNoAddressSpace)
		return
	}

	user := f.ctx.Privilege == PrivilegeUser
	region, found := as.RegionAt(f.ctx.Address)
	if !found || !region.Perm.Contains(addrspace.RequiredPerm(f.ctx.Access, user)) {
		f.fail(addrspace.FaultSegmentation, addrspace.ErrSegmentationFault)
		return
	}
	f.advance(StateClassified)

	f.advance(StateResolving)
	if outcome, err := as.ResolveFault(f.ctx.Address, f.ctx.Access, user); outcome != addrspace.FaultResolved {
		f.fail(outcome, err)
		return
	}

	f.advance(StateCompleted)
}

// fatal dumps the fault context and halts the system.
func fatal(ctx Context, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\n[fault] unrecoverable page fault\n")
	w := kfmt.IndentedSink("  ")
	kfmt.Fprintf(w, "address = 0x%16x access = %s privilege = %s\n", ctx.Address, ctx.Access.String(), ctx.Privilege.String())
	if regs != nil {
		regs.DumpTo(w)
	}
	panicFn(err)
}

// decodeContext builds a fault context from the faulting address and the
// error code pushed by the CPU.
func decodeContext(addr uintptr, errCode uint64) Context {
	ctx := Context{Address: addr, Access: mm.AccessRead}

	switch {
	case errCode&errCodeInstruction != 0:
		ctx.Access = mm.AccessExecute
	case errCode&errCodeWrite != 0:
		ctx.Access = mm.AccessWrite
	}

	if errCode&errCodeUser != 0 {
		ctx.Privilege = PrivilegeUser
	}

	return ctx
}

func pageFaultHandler(regs *gate.Registers) {
	ctx := decodeContext(uintptr(readCR2Fn()), regs.Info)

	if regs.Info&errCodeReservedBit != 0 {
		fatal(ctx, regs, ErrCorruptedPageTable)
		return
	}

	if action, reason := handle(ctx, regs); action == ActionTerminate {
		terminate(reason, regs)
	}
}

func doubleFaultHandler(regs *gate.Registers) {
	ctx := decodeContext(uintptr(readCR2Fn()), 0)
	fatal(ctx, regs, ErrDoubleFault)
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	if !regs.FromUserMode() {
		kfmt.Printf("\n[fault] general protection fault (error code 0x%x)\n", regs.Info)
		regs.DumpTo(kfmt.IndentedSink("  "))
		panicFn(ErrGeneralProtection)
		return
	}

	terminate(ErrGeneralProtection, regs)
}

// terminate asks the scheduler to end the running task. Without a scheduler
// there is no task to end and the fault is fatal.
func terminate(reason *kernel.Error, regs *gate.Registers) {
	if scheduler == nil {
		kfmt.Printf("\n[fault] no scheduler to terminate the faulting task\n")
		regs.DumpTo(kfmt.IndentedSink("  "))
		panicFn(reason)
		return
	}

	scheduler.TerminateCurrent(reason)
}
