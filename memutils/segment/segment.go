// Package segment provides the break style primitives that a heap grows and shrinks through.
//
// A Segment is a contiguous range of bytes starting at Base. Only the bytes below the
// current break may be touched. Offsets handed out by a Segment are relative to Base, so
// offset 0 is a legitimate address and failure is reported with SbrkFailure instead.
package segment

import (
	"unsafe"
)

// SbrkFailure is returned from Segment.Sbrk when the break could not be moved. It is
// distinct from every valid offset.
const SbrkFailure = -1

type Segment interface {
	// Sbrk moves the break by delta bytes, which may be negative, and returns the break
	// as it was before the call. Sbrk(0) queries the current break. When the segment cannot
	// satisfy the request it returns SbrkFailure and the break is unchanged.
	Sbrk(delta int) int
	// Base is the address that offsets returned from Sbrk are relative to. It does not
	// change for the lifetime of the segment.
	Base() unsafe.Pointer
	// Limit is the largest break the segment will ever accept
	Limit() int
	// Close returns all memory held by the segment. The segment must not be used afterward.
	Close() error
}

// Bytes returns the committed bytes of the segment, from Base up to the current break
func Bytes(s Segment) []byte {
	brk := s.Sbrk(0)
	if brk <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(s.Base()), brk)
}

func moveBreak(brk, limit, delta int) (int, bool) {
	if delta > 0 && delta > limit-brk {
		return brk, false
	}
	if delta < 0 && -delta > brk {
		return brk, false
	}
	return brk + delta, true
}
