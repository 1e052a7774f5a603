package segment

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// SliceSegment is a Segment backed by a Go byte slice whose capacity is reserved up front,
// so Base stays fixed while the break moves.
type SliceSegment struct {
	memory []byte
	brk    int
}

var _ Segment = &SliceSegment{}

// NewSliceSegment reserves limit bytes of Go heap for a segment. The limit must be positive.
// The backing array is allocated as words so that Base is aligned for block headers.
func NewSliceSegment(limit int) (*SliceSegment, error) {
	if limit <= 0 {
		return nil, errors.Newf("segment limit must be positive, got %d", limit)
	}

	// Reserve as uint64 words so the first byte is 8-byte aligned.
	words := make([]uint64, (limit+15)/16*2)
	memory := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)

	return &SliceSegment{memory: memory[:limit:limit]}, nil
}

func (s *SliceSegment) Sbrk(delta int) int {
	if s.memory == nil {
		return SbrkFailure
	}

	next, ok := moveBreak(s.brk, len(s.memory), delta)
	if !ok {
		return SbrkFailure
	}

	prev := s.brk
	if delta < 0 {
		// Fresh growth must read as zero, as it would from the operating system
		clear(s.memory[next:prev])
	}
	s.brk = next
	return prev
}

func (s *SliceSegment) Base() unsafe.Pointer {
	if s.memory == nil {
		return nil
	}
	return unsafe.Pointer(&s.memory[0])
}

func (s *SliceSegment) Limit() int {
	return len(s.memory)
}

func (s *SliceSegment) Close() error {
	if s.memory == nil {
		return errors.New("segment is already closed")
	}
	s.memory = nil
	s.brk = 0
	return nil
}
