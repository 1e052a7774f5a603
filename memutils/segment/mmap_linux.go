//go:build linux

package segment

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/sys/unix"
)

// MmapSegment is a Segment backed by an anonymous mapping. The whole limit is reserved
// as inaccessible address space when the segment is created, and pages are made
// readable and writable only as the break passes over them. Shrinking returns whole pages
// beyond the break to the kernel.
type MmapSegment struct {
	mapping   []byte
	brk       int
	committed int
	pageSize  int
}

var _ Segment = &MmapSegment{}

// NewMmapSegment reserves limit bytes of address space, rounded up to the page size
func NewMmapSegment(limit int) (*MmapSegment, error) {
	if limit <= 0 {
		return nil, errors.Newf("segment limit must be positive, got %d", limit)
	}

	pageSize := unix.Getpagesize()
	limit = memutils.AlignUp(limit, uint(pageSize))

	mapping, err := unix.Mmap(-1, 0, limit, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", limit)
	}

	return &MmapSegment{
		mapping:  mapping,
		pageSize: pageSize,
	}, nil
}

func (s *MmapSegment) Sbrk(delta int) int {
	if s.mapping == nil {
		return SbrkFailure
	}

	next, ok := moveBreak(s.brk, len(s.mapping), delta)
	if !ok {
		return SbrkFailure
	}

	pages := memutils.AlignUp(next, uint(s.pageSize))
	switch {
	case pages > s.committed:
		err := unix.Mprotect(s.mapping[s.committed:pages], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return SbrkFailure
		}
	case pages < s.committed:
		released := s.mapping[pages:s.committed]
		err := unix.Madvise(released, unix.MADV_DONTNEED)
		if err == nil {
			err = unix.Mprotect(released, unix.PROT_NONE)
		}
		if err != nil {
			return SbrkFailure
		}
	}

	if next < s.brk && memutils.AlignDown(next, uint(s.pageSize)) < next {
		// The tail of the last committed page stays mapped, so clear it to keep fresh growth zeroed
		clear(s.mapping[next:min(s.brk, pages)])
	}

	prev := s.brk
	s.brk = next
	s.committed = pages
	return prev
}

func (s *MmapSegment) Base() unsafe.Pointer {
	if s.mapping == nil {
		return nil
	}
	return unsafe.Pointer(&s.mapping[0])
}

func (s *MmapSegment) Limit() int {
	return len(s.mapping)
}

func (s *MmapSegment) Close() error {
	if s.mapping == nil {
		return errors.New("segment is already closed")
	}

	err := unix.Munmap(s.mapping)
	s.mapping = nil
	s.brk = 0
	s.committed = 0
	return errors.Wrap(err, "failed to unmap segment")
}

// NewDefault creates the segment used by allocators that were not given one. On Linux
// it is an MmapSegment, so untouched capacity costs only address space.
func NewDefault(limit int) (Segment, error) {
	return NewMmapSegment(limit)
}
