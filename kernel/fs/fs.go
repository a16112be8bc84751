// Package fs defines the interface between the memory manager and the
// virtual filesystem. File-backed VM objects only ever see a Handle; the
// on-disk format and any caching stay behind it.
package fs

import "muffinos/kernel"

var (
	// ErrNotFound is returned when the file behind a handle no longer
	// exists.
	ErrNotFound = &kernel.Error{Module: "fs", Message: "file not found"}

	// ErrIO is returned when the underlying storage fails.
	ErrIO = &kernel.Error{Module: "fs", Message: "i/o error"}
)

// Handle provides byte-range access to an open file.
type Handle interface {
	// ReadAt reads up to len(p) bytes starting at offset off. Reads past
	// the end of the file return the number of bytes that could be read
	// and no error.
	ReadAt(p []byte, off int64) (int, *kernel.Error)

	// WriteAt writes len(p) bytes starting at offset off, growing the
	// file if needed.
	WriteAt(p []byte, off int64) (int, *kernel.Error)

	// Size returns the current file size.
	Size() int64
}
