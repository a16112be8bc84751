package pmm

import (
	"math/bits"
	"muffinos/kernel"
	"muffinos/kernel/boot"
	"muffinos/kernel/mm"
	"muffinos/kernel/sync"
)

const (
	// bucketCount is the number of free-run buckets. Bucket k holds runs
	// whose length lies in [2^k, 2^(k+1)).
	bucketCount = 32

	// noLink terminates the free-run lists.
	noLink = ^uint32(0)
)

type frameState uint8

const (
	// frameUnmanaged marks holes in the memory map, firmware regions and
	// the kernel image. These frames never enter the free lists.
	frameUnmanaged frameState = iota
	frameFree
	frameAllocated
)

// frameDesc tracks the state of a single physical frame. Runs of free frames
// are threaded through the descriptors of their first and last frame using
// table indices rather than pointers.
type frameDesc struct {
	refCount uint32
	state    frameState

	// Valid for the first frame of a free run.
	runLen     uint32
	prev, next uint32

	// Valid for the last frame of a free run: index of the run's first frame.
	head uint32
}

// Stats summarizes the frame inventory.
type Stats struct {
	// TotalFrames is the number of usable frames discovered at boot.
	TotalFrames uint64

	// FreeFrames is the number of frames currently on the free lists.
	FreeFrames uint64

	// AllocatedFrames is the number of frames with a non-zero reference
	// count.
	AllocatedFrames uint64
}

// RunAllocator implements a physical frame allocator that keeps free frames
// in maximal runs of adjacent frames. Runs are kept in lists segregated by
// power-of-two length; allocations pick the smallest run that can satisfy the
// request and frees coalesce with adjacent free runs.
//
// Each managed frame carries a reference count. A frame returns to the free
// lists when its count drops to zero.
type RunAllocator struct {
	lock sync.IRQSpinlock

	// baseFrame is the frame described by descs[0].
	baseFrame mm.Frame
	descs     []frameDesc

	buckets [bucketCount]uint32

	totalFrames uint32
	freeFrames  uint32
}

// NewRunAllocator returns a run allocator that manages the usable frames of
// the supplied memory map, excluding the kernel image. It is used to manage
// memory that was never touched by the boot allocator.
func NewRunAllocator(info *boot.Info) (*RunAllocator, *kernel.Error) {
	var early bootMemAllocator
	early.init(info)

	alloc := new(RunAllocator)
	if err := alloc.init(info, &early, makeDescTable); err != nil {
		return nil, err
	}
	return alloc, nil
}

// descTableFn returns a zeroed table of count frame descriptors.
type descTableFn func(count uintptr) ([]frameDesc, *kernel.Error)

// makeDescTable allocates a descriptor table from the Go heap.
func makeDescTable(count uintptr) ([]frameDesc, *kernel.Error) {
	return make([]frameDesc, count), nil
}

// init builds the frame descriptor table from the usable regions of the
// memory map. The kernel image frames are excluded and frames that the boot
// allocator has already handed out, including any used by newTable, are
// recorded as allocated.
func (alloc *RunAllocator) init(info *boot.Info, early *bootMemAllocator, newTable descTableFn) *kernel.Error {
	var (
		first, last mm.Frame
		found       bool
	)

	info.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		start, end, ok := usableFrames(region)
		if !ok {
			return true
		}
		if !found || start < first {
			first = start
		}
		if !found || end > last {
			last = end
		}
		found = true
		return true
	})

	if !found {
		return ErrOutOfMemory
	}

	descs, err := newTable(uintptr(last - first + 1))
	if err != nil {
		return err
	}

	alloc.baseFrame = first
	alloc.descs = descs
	alloc.totalFrames, alloc.freeFrames = 0, 0
	for i := range alloc.buckets {
		alloc.buckets[i] = noLink
	}

	info.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		start, end, ok := usableFrames(region)
		if !ok {
			return true
		}

		for frame := start; frame <= end; frame++ {
			if early.inKernelImage(frame) {
				continue
			}

			desc := &alloc.descs[frame-first]
			alloc.totalFrames++
			if early.handedOut(frame) {
				desc.state, desc.refCount = frameAllocated, 1
				continue
			}
			desc.state = frameFree
			alloc.freeFrames++
		}
		return true
	})

	// Thread every maximal run of free frames into the bucket lists.
	for index := uint32(0); index < uint32(len(alloc.descs)); {
		if alloc.descs[index].state != frameFree {
			index++
			continue
		}

		runStart := index
		for index < uint32(len(alloc.descs)) && alloc.descs[index].state == frameFree {
			index++
		}
		alloc.insertRun(runStart, index-runStart)
	}

	return nil
}

// bucketIndex returns the bucket that holds runs of the given length.
func bucketIndex(runLen uint32) int {
	return bits.Len32(runLen) - 1
}

func (alloc *RunAllocator) insertRun(head, runLen uint32) {
	bucket := bucketIndex(runLen)

	desc := &alloc.descs[head]
	desc.runLen = runLen
	desc.prev = noLink
	desc.next = alloc.buckets[bucket]
	if desc.next != noLink {
		alloc.descs[desc.next].prev = head
	}
	alloc.buckets[bucket] = head

	alloc.descs[head+runLen-1].head = head
}

func (alloc *RunAllocator) removeRun(head uint32) {
	desc := &alloc.descs[head]
	if desc.prev != noLink {
		alloc.descs[desc.prev].next = desc.next
	} else {
		alloc.buckets[bucketIndex(desc.runLen)] = desc.next
	}
	if desc.next != noLink {
		alloc.descs[desc.next].prev = desc.prev
	}
	desc.prev, desc.next = noLink, noLink
}

// index returns the descriptor index for frame and false if the frame lies
// outside the table or is not managed by the allocator.
func (alloc *RunAllocator) index(frame mm.Frame) (uint32, bool) {
	if frame < alloc.baseFrame || frame-alloc.baseFrame >= mm.Frame(len(alloc.descs)) {
		return 0, false
	}

	index := uint32(frame - alloc.baseFrame)
	return index, alloc.descs[index].state != frameUnmanaged
}

// AllocFrame reserves a single physical frame with a reference count of 1.
func (alloc *RunAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocContiguous(1, mm.PageSize)
}

// AllocContiguous reserves count physically contiguous frames whose first
// frame address is a multiple of align. Alignments below the page size are
// rounded up to it. Each returned frame has a reference count of 1.
func (alloc *RunAllocator) AllocContiguous(count uint32, align uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 || align&(align-1) != 0 {
		return mm.InvalidFrame, ErrInvalidRequest
	}
	alignFrames := mm.Frame(1)
	if align > mm.PageSize {
		alignFrames = mm.Frame(align >> mm.PageShift)
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var (
		bestHead  = noLink
		bestStart uint32
		bestLen   uint32
	)

	// Runs in higher buckets are strictly longer than runs in lower ones,
	// so the first bucket with a fitting run contains the best fit.
	for bucket := bucketIndex(count); bucket < bucketCount && bestHead == noLink; bucket++ {
		for head := alloc.buckets[bucket]; head != noLink; head = alloc.descs[head].next {
			runLen := alloc.descs[head].runLen
			if runLen < count || (bestHead != noLink && runLen >= bestLen) {
				continue
			}

			startFrame := alloc.baseFrame + mm.Frame(head)
			alignedFrame := (startFrame + alignFrames - 1) & ^(alignFrames - 1)
			start := uint32(alignedFrame - alloc.baseFrame)
			if uint64(start)+uint64(count) > uint64(head)+uint64(runLen) {
				continue
			}

			bestHead, bestStart, bestLen = head, start, runLen
		}
	}

	if bestHead == noLink {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.removeRun(bestHead)
	if prefix := bestStart - bestHead; prefix != 0 {
		alloc.insertRun(bestHead, prefix)
	}
	if suffix := bestHead + bestLen - (bestStart + count); suffix != 0 {
		alloc.insertRun(bestStart+count, suffix)
	}

	for index := bestStart; index < bestStart+count; index++ {
		alloc.descs[index].state = frameAllocated
		alloc.descs[index].refCount = 1
	}
	alloc.freeFrames -= count

	return alloc.baseFrame + mm.Frame(bestStart), nil
}

// release returns the frame at index to the free lists merging it with any
// adjacent free runs. The caller must hold the lock.
func (alloc *RunAllocator) release(index uint32) {
	desc := &alloc.descs[index]
	desc.state, desc.refCount = frameFree, 0
	alloc.freeFrames++

	head, runLen := index, uint32(1)
	if next := index + 1; next < uint32(len(alloc.descs)) && alloc.descs[next].state == frameFree {
		runLen += alloc.descs[next].runLen
		alloc.removeRun(next)
	}
	if index > 0 && alloc.descs[index-1].state == frameFree {
		prevHead := alloc.descs[index-1].head
		runLen += alloc.descs[prevHead].runLen
		alloc.removeRun(prevHead)
		head = prevHead
	}

	alloc.insertRun(head, runLen)
}

// IncRef registers an additional owner for an allocated frame. Frames that
// are not managed by the allocator (e.g. MMIO or the kernel image) are
// ignored.
func (alloc *RunAllocator) IncRef(frame mm.Frame) {
	var err *kernel.Error

	alloc.lock.Acquire()
	if index, ok := alloc.index(frame); ok {
		if alloc.descs[index].state != frameAllocated {
			err = ErrRefOnFreeFrame
		} else {
			alloc.descs[index].refCount++
		}
	}
	alloc.lock.Release()

	if err != nil {
		panicFn(err)
	}
}

// DecRef drops a reference to frame and returns true if the frame became free
// as a result. Dropping a reference to a free frame is a kernel invariant
// violation.
func (alloc *RunAllocator) DecRef(frame mm.Frame) bool {
	var (
		err   *kernel.Error
		freed bool
	)

	alloc.lock.Acquire()
	if index, ok := alloc.index(frame); ok {
		desc := &alloc.descs[index]
		switch {
		case desc.state != frameAllocated || desc.refCount == 0:
			err = ErrFrameDoubleFree
		case desc.refCount == 1:
			alloc.release(index)
			freed = true
		default:
			desc.refCount--
		}
	}
	alloc.lock.Release()

	if err != nil {
		panicFn(err)
	}
	return freed
}

// FreeFrame drops the caller's reference to frame. The frame returns to the
// free lists once no other owner holds a reference to it.
func (alloc *RunAllocator) FreeFrame(frame mm.Frame) {
	alloc.DecRef(frame)
}

// FreeContiguous drops the caller's reference to count frames starting at
// frame.
func (alloc *RunAllocator) FreeContiguous(frame mm.Frame, count uint32) {
	for i := uint32(0); i < count; i++ {
		alloc.DecRef(frame + mm.Frame(i))
	}
}

// RefCount returns the reference count of frame or 0 if the frame is free or
// not managed by the allocator.
func (alloc *RunAllocator) RefCount(frame mm.Frame) uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if index, ok := alloc.index(frame); ok {
		return alloc.descs[index].refCount
	}
	return 0
}

// Stats returns a snapshot of the frame inventory.
func (alloc *RunAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalFrames:     uint64(alloc.totalFrames),
		FreeFrames:      uint64(alloc.freeFrames),
		AllocatedFrames: uint64(alloc.totalFrames - alloc.freeFrames),
	}
}
