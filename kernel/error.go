// Package kernel contains the error type shared by every kernel package.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error values and compared by identity. Code that runs before
// the Go allocator is available (the boot allocator, the early page table
// setup) cannot call errors.New, so every error in the kernel follows the same
// convention.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
