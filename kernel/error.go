package kernel

import "errors"

// Kind classifies a kernel error so that callers can react to a whole family
// of failures without matching individual error values.
type Kind uint8

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota

	// KindNotFound is returned when a handle, token or virtual address does
	// not resolve to anything.
	KindNotFound

	// KindResourceExhausted is returned when a fixed-size pool (physical
	// frames, message slots, capability slots) has no room left.
	KindResourceExhausted

	// KindUsageFault is returned when the caller violated the contract of
	// an operation (replying twice, overlapping mappings, bad alignment).
	KindUsageFault

	// KindFatal marks failures the kernel has no recovery path for.
	KindFatal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindUsageFault:
		return "usage fault"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error class.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsKind returns true if err wraps a kernel Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var kerr *Error
	if !errors.As(err, &kerr) {
		return false
	}

	return kerr.Kind == kind
}
