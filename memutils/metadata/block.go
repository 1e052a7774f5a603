package metadata

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
)

// Allocate grows the heap by a header and the aligned size, and returns the new block. The
// block is detached and marked allocated. An error wrapping memutils.ErrOutOfMemory is
// returned if the segment refuses to grow.
func (m *HeapMetadata) Allocate(size int) (BlockHandle, error) {
	if size < 0 {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidSize, "size %d", size)
	}

	capacity, ok := memutils.CheckedAlignUp(size, m.alignment)
	if !ok || capacity > math.MaxInt-m.headerSize {
		return NoBlock, errors.Wrapf(memutils.ErrAllocationOverflow, "size %d", size)
	}

	allocated := m.headerSize + capacity
	prev := m.segment.Sbrk(allocated)
	if prev == segment.SbrkFailure {
		return NoBlock, errors.Wrapf(memutils.ErrOutOfMemory, "failed to grow the heap by %d bytes", allocated)
	}

	h := BlockHandle(prev)
	*m.header(h) = blockHeader{
		magic:    blockMagic,
		state:    blockStateAllocated,
		capacity: capacity,
		size:     size,
		linkage:  linkage{prev: h, next: h},
	}

	m.counters.HeapSize += allocated
	m.counters.Blocks++
	m.counters.Grows++
	return h, nil
}

// Release returns a detached block to the segment when its capacity is at least the trim
// threshold and it is the last block of the heap. It reports false, having changed nothing,
// otherwise. After a successful release the block no longer exists.
func (m *HeapMetadata) Release(h BlockHandle) bool {
	if h == NoBlock {
		return false
	}

	if m.header(h).capacity < m.trimThreshold {
		return false
	}

	return m.shrink(h)
}

func (m *HeapMetadata) shrink(h BlockHandle) bool {
	hdr := m.header(h)
	if m.DataOffset(h)+hdr.capacity != m.HeapEnd() {
		return false
	}

	allocated := m.headerSize + hdr.capacity
	hdr.magic = 0
	if m.segment.Sbrk(-allocated) == segment.SbrkFailure {
		hdr.magic = blockMagic
		return false
	}

	m.counters.HeapSize -= allocated
	m.counters.Blocks--
	m.counters.Shrinks++
	return true
}

// Detach removes the block from the free list, joining its neighbors to each other, and
// leaves it linked only to itself and marked allocated. Detaching a detached block does nothing.
func (m *HeapMetadata) Detach(h BlockHandle) BlockHandle {
	hdr := m.header(h)
	if hdr.prev == h && hdr.next == h {
		return h
	}

	m.link(hdr.prev).next = hdr.next
	m.link(hdr.next).prev = hdr.prev
	hdr.linkage = linkage{prev: h, next: h}
	hdr.state = blockStateAllocated
	m.freeCount--
	return h
}

// Merge folds src into dst when src begins exactly where the data of dst ends. dst absorbs
// the header and capacity of src. If dst was detached it takes the place src held in the free
// list; if both were listed, src leaves the list. It reports false, having changed nothing,
// when the blocks are not adjacent.
func (m *HeapMetadata) Merge(dst, src BlockHandle) bool {
	if dst == src || src < m.heapStart || int(src)+m.headerSize > m.HeapEnd() {
		return false
	}
	if m.dataEnd(dst) != int(src) {
		return false
	}

	dstHeader := m.header(dst)
	srcHeader := m.header(src)

	if dstHeader.next == dst {
		if srcHeader.next != src {
			m.link(srcHeader.prev).next = dst
			m.link(srcHeader.next).prev = dst
			dstHeader.linkage = srcHeader.linkage
			dstHeader.state = blockStateFree
		}
	} else {
		m.Detach(src)
	}

	dstHeader.capacity += m.headerSize + srcHeader.capacity
	*srcHeader = blockHeader{}

	m.counters.Blocks--
	m.counters.Merges++
	return true
}

// Split trims the block to the aligned size and turns the rest of its capacity into a new free
// block directly after it, as long as the rest is large enough to hold a header and at least one
// alignment unit. The new block takes the free list position right after h when h is listed, and
// is inserted into the free list otherwise. When there is not enough room only the requested
// size of h is updated. Split always returns h.
func (m *HeapMetadata) Split(h BlockHandle, size int) BlockHandle {
	hdr := m.header(h)
	if size < 0 || size > hdr.capacity {
		panic(errors.AssertionFailedf("cannot split block %d with capacity %d to size %d", h, hdr.capacity, size))
	}

	aligned := m.AlignedSize(size)
	if hdr.capacity <= aligned+m.headerSize {
		hdr.size = size
		return h
	}

	remainder := BlockHandle(m.DataOffset(h) + aligned)
	remainderCapacity := hdr.capacity - aligned - m.headerSize
	remainderHeader := m.header(remainder)
	*remainderHeader = blockHeader{
		magic:    blockMagic,
		state:    blockStateFree,
		capacity: remainderCapacity,
		size:     remainderCapacity,
		linkage:  linkage{prev: remainder, next: remainder},
	}

	hdr.capacity = aligned
	hdr.size = size

	m.counters.Splits++
	m.counters.Blocks++

	if hdr.next == h {
		m.Insert(remainder)
		return h
	}

	remainderHeader.prev = h
	remainderHeader.next = hdr.next
	m.link(hdr.next).prev = remainder
	hdr.next = remainder
	m.freeCount++
	return h
}
