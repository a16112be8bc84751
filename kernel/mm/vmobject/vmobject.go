// Package vmobject implements the backing store abstraction for mapped
// virtual memory ranges. An Object produces page contents on demand, either
// zero-filled (anonymous objects) or read from a file handle (file objects),
// and caches the produced frames by page index. Physical objects expose a
// fixed run of frames such as a framebuffer or device registers.
//
// Every resident page slot owns one reference to its frame. Page table
// entries that point to the frame borrow the reference of the slot; the
// address space unmaps every page of a region before releasing its object.
package vmobject

import (
	"muffinos/kernel"
	"muffinos/kernel/fs"
	"muffinos/kernel/mm"
	"muffinos/kernel/sync"
	"sync/atomic"
)

// Kind identifies the backing store of an Object.
type Kind uint8

const (
	// KindAnonymous objects are zero-filled on first access and are not
	// backed by any persistent store.
	KindAnonymous Kind = iota

	// KindFile objects are populated from a byte range of a file.
	KindFile

	// KindPhysical objects cover a fixed run of physical frames. Their
	// frames are not reference counted and are never freed.
	KindPhysical
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindPhysical:
		return "physical"
	default:
		return "anonymous"
	}
}

var (
	// ErrInvalidLength is returned when creating an object with zero length.
	ErrInvalidLength = &kernel.Error{Module: "vmobject", Message: "object length must be greater than zero"}

	// ErrUnalignedOffset is returned when the file offset of a file object
	// is not page-aligned.
	ErrUnalignedOffset = &kernel.Error{Module: "vmobject", Message: "file offset must be page-aligned"}

	// ErrOutOfRange is returned for page indices past the end of the object.
	ErrOutOfRange = &kernel.Error{Module: "vmobject", Message: "page index outside object"}

	// ErrInvalidFrame is returned when creating a physical object that
	// starts at an invalid frame.
	ErrInvalidFrame = &kernel.Error{Module: "vmobject", Message: "physical object must start at a valid frame"}

	// ErrNotResident is returned by operations that require a page to be
	// populated first.
	ErrNotResident = &kernel.Error{Module: "vmobject", Message: "page is not resident"}
)

// pageSlot tracks the frame that backs one page of an object.
type pageSlot struct {
	// fill serializes the population of the slot and the replacement
	// of its frame.
	fill sync.Spinlock

	// frame holds the backing frame or mm.InvalidFrame while the page
	// is not resident. It is accessed atomically so lookups can skip
	// the fill gate.
	frame uintptr

	// dirty is guarded by the object lock.
	dirty bool
}

func (slot *pageSlot) load() mm.Frame {
	return mm.Frame(atomic.LoadUintptr(&slot.frame))
}

func (slot *pageSlot) store(frame mm.Frame) {
	atomic.StoreUintptr(&slot.frame, uintptr(frame))
}

// Object is a unit of backing content that can be mapped by one or more
// address spaces.
type Object struct {
	kind    Kind
	length  uintptr
	maxPerm mm.Perm
	shared  bool

	// handle and offset describe the backing store of file objects.
	handle fs.Handle
	offset int64

	// base is the first frame of a physical object.
	base mm.Frame

	lock  sync.Spinlock
	pages map[uintptr]*pageSlot
	refs  int32
}

// NewAnonymous returns an anonymous object spanning length bytes rounded up
// to a page multiple. Shared anonymous objects are not duplicated when an
// address space is forked.
func NewAnonymous(length uintptr, maxPerm mm.Perm, shared bool) (*Object, *kernel.Error) {
	if length == 0 {
		return nil, ErrInvalidLength
	}

	return &Object{
		kind:    KindAnonymous,
		length:  roundUp(length),
		maxPerm: maxPerm,
		shared:  shared,
		pages:   make(map[uintptr]*pageSlot),
		refs:    1,
	}, nil
}

// NewFile returns an object backed by the byte range [offset, offset+length)
// of the supplied file. Writes to pages of shared file objects are written
// back through the handle; private file objects never modify the file.
func NewFile(handle fs.Handle, offset int64, length uintptr, maxPerm mm.Perm, shared bool) (*Object, *kernel.Error) {
	if length == 0 {
		return nil, ErrInvalidLength
	}
	if offset < 0 || !mm.PageAligned(uintptr(offset)) {
		return nil, ErrUnalignedOffset
	}

	return &Object{
		kind:    KindFile,
		length:  roundUp(length),
		maxPerm: maxPerm,
		shared:  shared,
		handle:  handle,
		offset:  offset,
		pages:   make(map[uintptr]*pageSlot),
		refs:    1,
	}, nil
}

// NewPhysical returns a shared object over length bytes of physical memory
// starting at frame. The caller keeps ownership of the frames and must keep
// them valid while the object is mapped.
func NewPhysical(frame mm.Frame, length uintptr, maxPerm mm.Perm) (*Object, *kernel.Error) {
	if length == 0 {
		return nil, ErrInvalidLength
	}
	if !frame.Valid() {
		return nil, ErrInvalidFrame
	}

	return &Object{
		kind:    KindPhysical,
		length:  roundUp(length),
		maxPerm: maxPerm,
		shared:  true,
		base:    frame,
		pages:   make(map[uintptr]*pageSlot),
		refs:    1,
	}, nil
}

func roundUp(length uintptr) uintptr {
	return (length + mm.PageSize - 1) & ^(mm.PageSize - 1)
}

// Kind returns the backing store type of the object.
func (o *Object) Kind() Kind { return o.kind }

// Len returns the object length in bytes.
func (o *Object) Len() uintptr { return o.length }

// PageCount returns the object length in pages.
func (o *Object) PageCount() uintptr { return o.length >> mm.PageShift }

// MaxPerm returns the widest permission set any mapping of the object may use.
func (o *Object) MaxPerm() mm.Perm { return o.maxPerm }

// Shared returns true if writes to the object are visible to every mapping
// and, for file objects, are written back to the file.
func (o *Object) Shared() bool { return o.shared }

// slot returns the slot for index, creating it if needed.
func (o *Object) slot(index uintptr) *pageSlot {
	o.lock.Acquire()
	defer o.lock.Release()

	slot, exists := o.pages[index]
	if !exists {
		slot = &pageSlot{frame: uintptr(mm.InvalidFrame)}
		o.pages[index] = slot
	}
	return slot
}

// existingSlot returns the slot for index or nil.
func (o *Object) existingSlot(index uintptr) *pageSlot {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.pages[index]
}

// GetOrCreatePage returns the frame backing the page at index, populating it
// on first access. Concurrent callers for the same index observe the frame
// produced by the first caller; exactly one frame is allocated per index.
//
// Failures leave the page non-resident so that a later call can retry. Errors
// reported by the file handle are returned unchanged.
func (o *Object) GetOrCreatePage(index uintptr) (mm.Frame, *kernel.Error) {
	if index >= o.PageCount() {
		return mm.InvalidFrame, ErrOutOfRange
	}
	if o.kind == KindPhysical {
		return o.base + mm.Frame(index), nil
	}

	slot := o.slot(index)
	if frame := slot.load(); frame.Valid() {
		return frame, nil
	}

	slot.fill.Acquire()
	defer slot.fill.Release()

	// Another caller may have populated the slot while we were waiting.
	if frame := slot.load(); frame.Valid() {
		return frame, nil
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = o.populate(index, frame); err != nil {
		mm.DecRef(frame)
		return mm.InvalidFrame, err
	}

	slot.store(frame)
	return frame, nil
}

// populate fills frame with the contents of the page at index.
func (o *Object) populate(index uintptr, frame mm.Frame) *kernel.Error {
	if o.kind == KindAnonymous {
		mm.ZeroFrame(frame)
		return nil
	}

	data := mm.FrameData(frame)
	n, err := o.handle.ReadAt(data, o.fileOffset(index))
	if err != nil {
		return err
	}

	// Bytes past the end of the file read as zero.
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

func (o *Object) fileOffset(index uintptr) int64 {
	return o.offset + int64(index<<mm.PageShift)
}

// Lookup returns the frame backing the page at index if it is resident.
func (o *Object) Lookup(index uintptr) (mm.Frame, bool) {
	if o.kind == KindPhysical {
		if index >= o.PageCount() {
			return mm.InvalidFrame, false
		}
		return o.base + mm.Frame(index), true
	}

	slot := o.existingSlot(index)
	if slot == nil {
		return mm.InvalidFrame, false
	}

	frame := slot.load()
	return frame, frame.Valid()
}

// ForkCopyOnWrite gives the page at index a private frame. If the current
// frame is also referenced elsewhere, a new frame is allocated, the contents
// are copied and the slot's reference to the shared frame is dropped. The
// returned frame is the one now held by the slot; the caller remaps it with
// write access.
func (o *Object) ForkCopyOnWrite(index uintptr) (mm.Frame, *kernel.Error) {
	slot := o.existingSlot(index)
	if slot == nil {
		return mm.InvalidFrame, ErrNotResident
	}

	slot.fill.Acquire()
	defer slot.fill.Release()

	shared := slot.load()
	if !shared.Valid() {
		return mm.InvalidFrame, ErrNotResident
	}
	if mm.RefCount(shared) <= 1 {
		return shared, nil
	}

	private, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	mm.CopyFrame(private, shared)
	slot.store(private)
	mm.DecRef(shared)

	return private, nil
}

// MarkDirty flags the page at index as modified so that Sync writes it back.
// It only has an effect for shared file objects.
func (o *Object) MarkDirty(index uintptr) {
	if o.kind != KindFile || !o.shared {
		return
	}

	o.lock.Acquire()
	if slot, exists := o.pages[index]; exists {
		slot.dirty = true
	}
	o.lock.Release()
}

// Dirty returns true if the page at index has been modified since the last
// Sync.
func (o *Object) Dirty(index uintptr) bool {
	o.lock.Acquire()
	defer o.lock.Release()

	slot, exists := o.pages[index]
	return exists && slot.dirty
}

// Sync writes every dirty page of a shared file object back to the file. The
// write-back never grows the file. Pages that fail to write stay dirty.
func (o *Object) Sync() *kernel.Error {
	if o.kind != KindFile || !o.shared {
		return nil
	}

	o.lock.Acquire()
	var dirty []uintptr
	for index, slot := range o.pages {
		if slot.dirty && slot.load().Valid() {
			dirty = append(dirty, index)
		}
	}
	o.lock.Release()

	var firstErr *kernel.Error
	fileSize := o.handle.Size()
	for _, index := range dirty {
		frame, ok := o.Lookup(index)
		if !ok {
			continue
		}

		fileOff := o.fileOffset(index)
		if fileOff >= fileSize {
			o.clearDirty(index)
			continue
		}

		data := mm.FrameData(frame)
		if remaining := fileSize - fileOff; remaining < int64(len(data)) {
			data = data[:remaining]
		}

		if _, err := o.handle.WriteAt(data, fileOff); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.clearDirty(index)
	}

	return firstErr
}

func (o *Object) clearDirty(index uintptr) {
	o.lock.Acquire()
	if slot, exists := o.pages[index]; exists {
		slot.dirty = false
	}
	o.lock.Release()
}

// CloneCopyOnWrite returns a private copy of the object for a forked address
// space. The clone refers to the same resident frames, each of which gains a
// reference; the first write through either object forks the page.
func (o *Object) CloneCopyOnWrite() *Object {
	clone := &Object{
		kind:    o.kind,
		length:  o.length,
		maxPerm: o.maxPerm,
		handle:  o.handle,
		offset:  o.offset,
		base:    o.base,
		pages:   make(map[uintptr]*pageSlot),
		refs:    1,
	}

	o.lock.Acquire()
	defer o.lock.Release()

	for index, slot := range o.pages {
		frame := slot.load()
		if !frame.Valid() {
			continue
		}

		mm.IncRef(frame)
		clone.pages[index] = &pageSlot{frame: uintptr(frame)}
	}

	return clone
}

// Acquire registers an additional user of the object.
func (o *Object) Acquire() {
	atomic.AddInt32(&o.refs, 1)
}

// Release drops a user of the object. When the last user goes away, dirty
// pages of shared file objects are written back and the reference of every
// resident frame is dropped. The write-back error, if any, is returned.
func (o *Object) Release() *kernel.Error {
	if atomic.AddInt32(&o.refs, -1) != 0 {
		return nil
	}

	err := o.Sync()

	o.lock.Acquire()
	pages := o.pages
	o.pages = make(map[uintptr]*pageSlot)
	o.lock.Release()

	for _, slot := range pages {
		if frame := slot.load(); frame.Valid() {
			mm.DecRef(frame)
		}
	}

	return err
}

// ResidentPages returns the number of populated pages. Every page of a
// physical object is resident.
func (o *Object) ResidentPages() int {
	if o.kind == KindPhysical {
		return int(o.PageCount())
	}

	o.lock.Acquire()
	defer o.lock.Release()

	var count int
	for _, slot := range o.pages {
		if slot.load().Valid() {
			count++
		}
	}
	return count
}
