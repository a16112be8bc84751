package vmobject

import (
	"bytes"
	"muffinos/kernel"
	"muffinos/kernel/fs"
	"muffinos/kernel/fs/memfs"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/mmtest"
	"muffinos/kernel/mm/pmm"
	gosync "sync"
	"sync/atomic"
	"testing"
)

// stubHandle is an fs.Handle whose reads can fail or block on demand.
type stubHandle struct {
	data      []byte
	readErr   *kernel.Error
	writeErr  *kernel.Error
	reads     int32
	readGate  chan struct{}
	readEnter chan struct{}
}

func (h *stubHandle) ReadAt(p []byte, off int64) (int, *kernel.Error) {
	atomic.AddInt32(&h.reads, 1)
	if h.readEnter != nil {
		h.readEnter <- struct{}{}
	}
	if h.readGate != nil {
		<-h.readGate
	}
	if h.readErr != nil {
		return 0, h.readErr
	}
	if off >= int64(len(h.data)) {
		return 0, nil
	}
	return copy(p, h.data[off:]), nil
}

func (h *stubHandle) WriteAt(p []byte, off int64) (int, *kernel.Error) {
	if h.writeErr != nil {
		return 0, h.writeErr
	}
	return copy(h.data[off:], p), nil
}

func (h *stubHandle) Size() int64 { return int64(len(h.data)) }

func pattern(length int, seed byte) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}

func TestConstructors(t *testing.T) {
	if _, err := NewAnonymous(0, mm.PermRW, false); err != ErrInvalidLength {
		t.Fatalf("expected ErrInvalidLength; got %v", err)
	}
	if _, err := NewFile(&stubHandle{}, 0, 0, mm.PermRead, false); err != ErrInvalidLength {
		t.Fatalf("expected ErrInvalidLength; got %v", err)
	}
	for _, offset := range []int64{-4096, 100} {
		if _, err := NewFile(&stubHandle{}, offset, mm.PageSize, mm.PermRead, false); err != ErrUnalignedOffset {
			t.Fatalf("expected ErrUnalignedOffset for offset %d; got %v", offset, err)
		}
	}

	obj, err := NewAnonymous(mm.PageSize+1, mm.PermRW, true)
	if err != nil {
		t.Fatal(err)
	}
	if obj.Len() != 2*mm.PageSize || obj.PageCount() != 2 {
		t.Fatalf("expected length to be rounded up to 2 pages; got %d bytes", obj.Len())
	}
	if obj.Kind() != KindAnonymous || obj.Kind().String() != "anonymous" {
		t.Fatalf("expected anonymous object; got %s", obj.Kind())
	}
	if !obj.Shared() || obj.MaxPerm() != mm.PermRW {
		t.Fatal("expected shared object with rw max permissions")
	}
}

func TestPhysicalObject(t *testing.T) {
	env := mmtest.NewEnv(t, 16*mm.PageSize)

	if _, err := NewPhysical(env.Mem.FirstFrame(), 0, mm.PermRW); err != ErrInvalidLength {
		t.Fatalf("expected ErrInvalidLength; got %v", err)
	}
	if _, err := NewPhysical(mm.InvalidFrame, mm.PageSize, mm.PermRW); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame; got %v", err)
	}

	base, err := env.Alloc.AllocContiguous(3, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	freeBefore := env.FreeFrames()

	obj, err := NewPhysical(base, 2*mm.PageSize+1, mm.PermRW)
	if err != nil {
		t.Fatal(err)
	}
	if obj.Kind() != KindPhysical || obj.Kind().String() != "physical" {
		t.Fatalf("expected physical object; got %s", obj.Kind())
	}
	if !obj.Shared() || obj.PageCount() != 3 {
		t.Fatalf("expected a shared 3 page object; got shared: %t, pages: %d", obj.Shared(), obj.PageCount())
	}
	if got := obj.ResidentPages(); got != 3 {
		t.Fatalf("expected every page to be resident; got %d", got)
	}

	for index := uintptr(0); index < 3; index++ {
		frame, err := obj.GetOrCreatePage(index)
		if err != nil || frame != base+mm.Frame(index) {
			t.Fatalf("expected page %d to be backed by frame %d; got %d, %v", index, base+mm.Frame(index), frame, err)
		}
		if got, ok := obj.Lookup(index); !ok || got != frame {
			t.Fatalf("expected Lookup of page %d to return frame %d; got %d, %t", index, frame, got, ok)
		}
		if got := mm.RefCount(frame); got != 1 {
			t.Fatalf("expected frame %d refcount to stay 1; got %d", frame, got)
		}
	}
	if _, err = obj.GetOrCreatePage(3); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}
	if _, ok := obj.Lookup(3); ok {
		t.Fatal("expected Lookup past the end to fail")
	}
	if got := env.FreeFrames(); got != freeBefore {
		t.Fatalf("expected no frames to be allocated; free frames %d, want %d", got, freeBefore)
	}

	obj.MarkDirty(0)
	if obj.Dirty(0) {
		t.Fatal("expected physical pages never to be dirty")
	}
	if err = obj.Sync(); err != nil {
		t.Fatalf("expected Sync to be a no-op; got %v", err)
	}

	if err = obj.Release(); err != nil {
		t.Fatal(err)
	}
	for index := mm.Frame(0); index < 3; index++ {
		if got := mm.RefCount(base + index); got != 1 {
			t.Fatalf("expected Release to leave frame %d untouched; refcount %d", base+index, got)
		}
	}
}

func TestAnonymousGetOrCreatePage(t *testing.T) {
	env := mmtest.NewEnv(t, 16*mm.PageSize)

	obj, _ := NewAnonymous(4*mm.PageSize, mm.PermRW, false)
	if _, err := obj.GetOrCreatePage(4); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}

	// Dirty the arena so that zero-filling is observable.
	for frame := env.Mem.FirstFrame(); frame < env.Mem.FirstFrame()+mm.Frame(env.Mem.FrameCount()); frame++ {
		env.Mem.Fill(frame, 0xaa)
	}

	frame, err := obj.GetOrCreatePage(2)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range mm.FrameData(frame) {
		if b != 0 {
			t.Fatalf("expected anonymous page to be zero-filled; byte %d is 0x%x", i, b)
		}
	}

	again, err := obj.GetOrCreatePage(2)
	if err != nil || again != frame {
		t.Fatalf("expected second call to return frame %d; got %d, %v", frame, again, err)
	}

	if got, ok := obj.Lookup(2); !ok || got != frame {
		t.Fatalf("expected Lookup to return resident frame %d; got %d, %t", frame, got, ok)
	}
	if _, ok := obj.Lookup(1); ok {
		t.Fatal("expected page 1 not to be resident")
	}
	if got := obj.ResidentPages(); got != 1 {
		t.Fatalf("expected 1 resident page; got %d", got)
	}
	if got := mm.RefCount(frame); got != 1 {
		t.Fatalf("expected slot to own a single reference; got %d", got)
	}
}

func TestFilePopulation(t *testing.T) {
	mmtest.NewEnv(t, 16*mm.PageSize)

	contents := pattern(int(2*mm.PageSize+100), 7)
	file := memfs.New().Create("data", contents)

	// Map the file starting at its second page.
	obj, err := NewFile(file, int64(mm.PageSize), 3*mm.PageSize, mm.PermRead, false)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := obj.GetOrCreatePage(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mm.FrameData(frame), contents[mm.PageSize:2*mm.PageSize]) {
		t.Fatal("expected page 0 to contain the second page of the file")
	}

	// The last file page is short and the remainder reads as zero.
	frame, err = obj.GetOrCreatePage(1)
	if err != nil {
		t.Fatal(err)
	}
	data := mm.FrameData(frame)
	if !bytes.Equal(data[:100], contents[2*mm.PageSize:]) {
		t.Fatal("expected page 1 to start with the file tail")
	}
	if !bytes.Equal(data[100:], make([]byte, mm.PageSize-100)) {
		t.Fatal("expected bytes past end of file to be zero")
	}

	// Pages entirely past the end of the file are zero-filled.
	frame, err = obj.GetOrCreatePage(2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mm.FrameData(frame), make([]byte, mm.PageSize)) {
		t.Fatal("expected page past end of file to be zero-filled")
	}
}

func TestGetOrCreatePageErrors(t *testing.T) {
	env := mmtest.NewEnv(t, 4*mm.PageSize)

	specs := []struct {
		name   string
		readEr *kernel.Error
	}{
		{"io error", fs.ErrIO},
		{"not found", fs.ErrNotFound},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			handle := &stubHandle{data: pattern(int(mm.PageSize), 1), readErr: spec.readEr}
			obj, _ := NewFile(handle, 0, mm.PageSize, mm.PermRead, false)

			freeBefore := env.FreeFrames()
			if _, err := obj.GetOrCreatePage(0); err != spec.readEr {
				t.Fatalf("expected error %v; got %v", spec.readEr, err)
			}
			if got := env.FreeFrames(); got != freeBefore {
				t.Fatalf("expected frame to be released after failed read; %d free, expected %d", got, freeBefore)
			}
			if _, ok := obj.Lookup(0); ok {
				t.Fatal("expected page to remain non-resident")
			}

			// A later attempt succeeds once storage recovers.
			handle.readErr = nil
			if _, err := obj.GetOrCreatePage(0); err != nil {
				t.Fatalf("expected retry to succeed; got %v", err)
			}
			obj.Release()
		})
	}

	t.Run("out of memory", func(t *testing.T) {
		obj, _ := NewAnonymous(8*mm.PageSize, mm.PermRW, false)
		var err *kernel.Error
		for index := uintptr(0); index < 8 && err == nil; index++ {
			_, err = obj.GetOrCreatePage(index)
		}
		if err != pmm.ErrOutOfMemory {
			t.Fatalf("expected pmm.ErrOutOfMemory; got %v", err)
		}
		obj.Release()
		if got := env.FreeFrames(); got != 4 {
			t.Fatalf("expected all frames to be released; got %d free", got)
		}
	})
}

func TestConcurrentFirstTouch(t *testing.T) {
	env := mmtest.NewEnv(t, 16*mm.PageSize)

	handle := &stubHandle{
		data:      pattern(int(mm.PageSize), 3),
		readGate:  make(chan struct{}),
		readEnter: make(chan struct{}, 8),
	}
	obj, _ := NewFile(handle, 0, mm.PageSize, mm.PermRead, false)
	freeBefore := env.FreeFrames()

	const racers = 8
	var (
		wg     gosync.WaitGroup
		frames [racers]mm.Frame
		errs   [racers]*kernel.Error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		frames[0], errs[0] = obj.GetOrCreatePage(0)
	}()

	// Wait until the first racer is populating the page, then release
	// the others so they contend on the same slot.
	<-handle.readEnter
	for i := 1; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frames[i], errs[i] = obj.GetOrCreatePage(0)
		}(i)
	}
	close(handle.readGate)
	wg.Wait()

	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("[racer %d] unexpected error: %v", i, errs[i])
		}
		if frames[i] != frames[0] {
			t.Fatalf("[racer %d] expected frame %d; got %d", i, frames[0], frames[i])
		}
	}

	if got := atomic.LoadInt32(&handle.reads); got != 1 {
		t.Fatalf("expected the file to be read once; got %d reads", got)
	}
	if got := freeBefore - env.FreeFrames(); got != 1 {
		t.Fatalf("expected exactly 1 frame to be allocated; got %d", got)
	}
}

func TestForkCopyOnWrite(t *testing.T) {
	env := mmtest.NewEnv(t, 16*mm.PageSize)

	parent, _ := NewAnonymous(2*mm.PageSize, mm.PermRW, false)
	if _, err := parent.ForkCopyOnWrite(0); err != ErrNotResident {
		t.Fatalf("expected ErrNotResident; got %v", err)
	}

	original, err := parent.GetOrCreatePage(0)
	if err != nil {
		t.Fatal(err)
	}
	copy(mm.FrameData(original), pattern(int(mm.PageSize), 9))

	// A frame referenced only by its slot is already private.
	if got, err := parent.ForkCopyOnWrite(0); err != nil || got != original {
		t.Fatalf("expected private page to be kept; got %d, %v", got, err)
	}

	child := parent.CloneCopyOnWrite()
	if got := mm.RefCount(original); got != 2 {
		t.Fatalf("expected shared frame refcount 2; got %d", got)
	}
	if got, ok := child.Lookup(0); !ok || got != original {
		t.Fatal("expected clone to share the resident frame")
	}

	private, err := parent.ForkCopyOnWrite(0)
	if err != nil {
		t.Fatal(err)
	}
	if private == original {
		t.Fatal("expected a new frame to be allocated")
	}
	if !bytes.Equal(mm.FrameData(private), mm.FrameData(original)) {
		t.Fatal("expected private copy to match the original contents")
	}
	if got := mm.RefCount(original); got != 1 {
		t.Fatalf("expected original frame refcount to drop to 1; got %d", got)
	}
	if got, _ := child.Lookup(0); got != original {
		t.Fatal("expected clone to keep the original frame")
	}
	if got, _ := parent.Lookup(0); got != private {
		t.Fatal("expected parent slot to hold the private frame")
	}

	freeBefore := env.FreeFrames()
	parent.Release()
	child.Release()
	if got := env.FreeFrames() - freeBefore; got != 2 {
		t.Fatalf("expected releasing both objects to free 2 frames; got %d", got)
	}
}

func TestSharedFileSync(t *testing.T) {
	mmtest.NewEnv(t, 16*mm.PageSize)

	contents := pattern(int(mm.PageSize+10), 5)
	file := memfs.New().Create("shared", contents)

	obj, _ := NewFile(file, 0, 2*mm.PageSize, mm.PermRW, true)
	obj.Acquire()

	frame0, _ := obj.GetOrCreatePage(0)
	frame1, _ := obj.GetOrCreatePage(1)
	mm.FrameData(frame0)[0] = 'X'
	mm.FrameData(frame1)[0] = 'Y'
	mm.FrameData(frame1)[100] = 'Z'

	obj.MarkDirty(0)
	obj.MarkDirty(1)
	if !obj.Dirty(0) || !obj.Dirty(1) {
		t.Fatal("expected pages to be dirty")
	}

	if err := obj.Sync(); err != nil {
		t.Fatal(err)
	}
	if obj.Dirty(0) || obj.Dirty(1) {
		t.Fatal("expected Sync to clear the dirty flags")
	}

	got := file.Bytes()
	if len(got) != len(contents) {
		t.Fatalf("expected write-back not to grow the file; size %d", len(got))
	}
	if got[0] != 'X' || got[mm.PageSize] != 'Y' {
		t.Fatal("expected modified bytes to be written back")
	}

	// The last user triggers a final write-back.
	mm.FrameData(frame0)[1] = 'W'
	obj.MarkDirty(0)
	if err := obj.Release(); err != nil {
		t.Fatal(err)
	}
	if file.Bytes()[1] == 'W' {
		t.Fatal("expected write-back to be deferred until the last user releases the object")
	}
	if err := obj.Release(); err != nil {
		t.Fatal(err)
	}
	if file.Bytes()[1] != 'W' || obj.ResidentPages() != 0 {
		t.Fatal("expected final release to write back and drop every page")
	}
}

func TestSyncErrors(t *testing.T) {
	mmtest.NewEnv(t, 16*mm.PageSize)

	handle := &stubHandle{data: pattern(int(mm.PageSize), 1), writeErr: fs.ErrIO}
	obj, _ := NewFile(handle, 0, mm.PageSize, mm.PermRW, true)
	if _, err := obj.GetOrCreatePage(0); err != nil {
		t.Fatal(err)
	}
	obj.MarkDirty(0)

	if err := obj.Sync(); err != fs.ErrIO {
		t.Fatalf("expected fs.ErrIO; got %v", err)
	}
	if !obj.Dirty(0) {
		t.Fatal("expected page to stay dirty after a failed write-back")
	}

	// Private and anonymous objects never track dirty pages.
	private, _ := NewFile(handle, 0, mm.PageSize, mm.PermRW, false)
	private.GetOrCreatePage(0)
	private.MarkDirty(0)
	if private.Dirty(0) {
		t.Fatal("expected private file object to ignore MarkDirty")
	}
	if err := private.Sync(); err != nil {
		t.Fatalf("expected Sync on a private object to be a no-op; got %v", err)
	}
}
