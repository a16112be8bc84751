// Package memfs implements an in-memory filesystem. The kernel uses it for
// the initial ramdisk contents handed over by the bootloader.
package memfs

import (
	"muffinos/kernel"
	"muffinos/kernel/fs"
	"muffinos/kernel/sync"
)

var errInvalidOffset = &kernel.Error{Module: "memfs", Message: "negative file offset"}

// FS is a flat namespace of in-memory files.
type FS struct {
	lock  sync.Spinlock
	files map[string]*File
}

// New returns an empty filesystem.
func New() *FS {
	return &FS{files: make(map[string]*File)}
}

// Create adds a file with the supplied contents replacing any existing file
// with the same name. Handles to the replaced file become stale.
func (f *FS) Create(name string, data []byte) *File {
	file := &File{data: append([]byte(nil), data...)}

	f.lock.Acquire()
	if old, exists := f.files[name]; exists {
		old.markRemoved()
	}
	f.files[name] = file
	f.lock.Release()

	return file
}

// Open returns the file with the given name.
func (f *FS) Open(name string) (*File, *kernel.Error) {
	f.lock.Acquire()
	defer f.lock.Release()

	file, exists := f.files[name]
	if !exists {
		return nil, fs.ErrNotFound
	}
	return file, nil
}

// Remove deletes a file. Handles to the file report fs.ErrNotFound from then
// on.
func (f *FS) Remove(name string) *kernel.Error {
	f.lock.Acquire()
	defer f.lock.Release()

	file, exists := f.files[name]
	if !exists {
		return fs.ErrNotFound
	}
	delete(f.files, name)
	file.markRemoved()
	return nil
}

// File is an in-memory file. It implements fs.Handle.
type File struct {
	lock    sync.Spinlock
	data    []byte
	removed bool
}

func (file *File) markRemoved() {
	file.lock.Acquire()
	file.removed = true
	file.lock.Release()
}

// ReadAt implements fs.Handle.
func (file *File) ReadAt(p []byte, off int64) (int, *kernel.Error) {
	if off < 0 {
		return 0, errInvalidOffset
	}

	file.lock.Acquire()
	defer file.lock.Release()

	if file.removed {
		return 0, fs.ErrNotFound
	}
	if off >= int64(len(file.data)) {
		return 0, nil
	}
	return copy(p, file.data[off:]), nil
}

// WriteAt implements fs.Handle.
func (file *File) WriteAt(p []byte, off int64) (int, *kernel.Error) {
	if off < 0 {
		return 0, errInvalidOffset
	}

	file.lock.Acquire()
	defer file.lock.Release()

	if file.removed {
		return 0, fs.ErrNotFound
	}
	if end := off + int64(len(p)); end > int64(len(file.data)) {
		grown := make([]byte, end)
		copy(grown, file.data)
		file.data = grown
	}
	return copy(file.data[off:], p), nil
}

// Size implements fs.Handle.
func (file *File) Size() int64 {
	file.lock.Acquire()
	defer file.lock.Release()
	return int64(len(file.data))
}

// Bytes returns a copy of the file contents.
func (file *File) Bytes() []byte {
	file.lock.Acquire()
	defer file.lock.Release()
	return append([]byte(nil), file.data...)
}
