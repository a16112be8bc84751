package mm

// Perm is a set of access permissions for a virtual memory range.
type Perm uint8

const (
	// PermRead allows loads from the range.
	PermRead Perm = 1 << iota

	// PermWrite allows stores to the range.
	PermWrite

	// PermExecute allows instruction fetches from the range.
	PermExecute

	// PermUser allows user-mode code to access the range.
	PermUser

	// PermRW is a shorthand for read/write access.
	PermRW = PermRead | PermWrite

	// PermAll includes every permission bit.
	PermAll = PermRead | PermWrite | PermExecute | PermUser
)

// Contains returns true if every permission in other is also present in p.
func (p Perm) Contains(other Perm) bool {
	return p&other == other
}

// String returns a "rwxu" style representation of the permission set.
func (p Perm) String() string {
	var out [4]byte
	for i, spec := range [...]struct {
		bit Perm
		ch  byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExecute, 'x'}, {PermUser, 'u'}} {
		out[i] = '-'
		if p&spec.bit != 0 {
			out[i] = spec.ch
		}
	}
	return string(out[:])
}

// Access describes the kind of memory access that triggered a page fault.
type Access uint8

const (
	// AccessRead is a data load.
	AccessRead Access = iota

	// AccessWrite is a data store.
	AccessWrite

	// AccessExecute is an instruction fetch.
	AccessExecute
)

// Perm returns the permission required to perform the access.
func (a Access) Perm() Perm {
	switch a {
	case AccessWrite:
		return PermWrite
	case AccessExecute:
		return PermExecute
	default:
		return PermRead
	}
}

// String implements fmt.Stringer for Access.
func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "read"
	}
}
