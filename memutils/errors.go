package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned when the heap segment refuses to grow any further
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize is returned when a negative size is requested
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrAllocationOverflow is returned when the byte count of an allocation request does not fit
	// in the address width
	ErrAllocationOverflow = errors.New("allocation size overflows")
	// ErrInvalidPointer is the cause of the panic raised when a pointer that was not returned by the
	// allocator, or was already freed, is passed back to it
	ErrInvalidPointer = errors.New("pointer does not refer to a live allocation")
)
