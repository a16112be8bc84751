// Package sync provides the spinlock primitives used by the memory manager.
package sync

import "sync/atomic"

// spinAttemptsBeforeYield is the number of failed acquisition attempts after
// which a spinning task gives the scheduler a chance to run the lock holder.
const spinAttemptsBeforeYield = 64

var (
	// yieldFn is invoked by spinning tasks once spinAttemptsBeforeYield
	// attempts have failed. It is installed by the scheduler via SetYieldFn.
	yieldFn func()

	// disableInterruptsFn and restoreInterruptsFn are installed by the
	// kernel bootstrap code via SetInterruptHooks. Until then IRQSpinlock
	// behaves like a plain Spinlock.
	disableInterruptsFn func() uintptr
	restoreInterruptsFn func(uintptr)
)

// SetYieldFn registers the function that spinning tasks call to relinquish
// the CPU while waiting for a contended lock.
func SetYieldFn(fn func()) { yieldFn = fn }

// SetInterruptHooks registers the functions used by IRQSpinlock to mask
// interrupts on the current core and to restore their previous state. The
// value returned by disable is passed back to restore.
func SetInterruptHooks(disable func() uintptr, restore func(uintptr)) {
	disableInterruptsFn, restoreInterruptsFn = disable, restore
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeYield)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts >= attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// IRQSpinlock is a Spinlock that also masks interrupts on the current core
// while held. It guards state that interrupt handlers may touch (e.g. the
// frame allocator, which the page-fault handler calls into) so that an
// interrupt arriving on the same core cannot re-enter the critical section
// and deadlock.
type IRQSpinlock struct {
	Spinlock

	// flags holds the interrupt state saved by the current holder.
	flags uintptr
}

// Acquire masks interrupts on the current core and then acquires the lock.
func (l *IRQSpinlock) Acquire() {
	var flags uintptr
	if disableInterruptsFn != nil {
		flags = disableInterruptsFn()
	}
	l.Spinlock.Acquire()
	l.flags = flags
}

// Release releases the lock and restores the interrupt state that was active
// before Acquire, so interrupts stay masked if the caller had masked them.
func (l *IRQSpinlock) Release() {
	flags := l.flags
	l.Spinlock.Release()
	if restoreInterruptsFn != nil {
		restoreInterruptsFn(flags)
	}
}
