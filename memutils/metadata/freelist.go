package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

// Search looks for a free block whose capacity can hold size bytes once aligned, using the
// strategy the metadata was created with. It returns NoBlock if no free block is large enough;
// the block is not removed from the free list.
func (m *HeapMetadata) Search(size int) BlockHandle {
	aligned, ok := memutils.CheckedAlignUp(size, m.alignment)
	if !ok {
		return NoBlock
	}

	if m.strategy == AllocationStrategyMinMemory {
		return m.searchBestFit(aligned)
	}

	for h := m.head.next; h != freeListHead; h = m.link(h).next {
		if m.header(h).capacity >= aligned {
			return h
		}
	}

	return NoBlock
}

func (m *HeapMetadata) searchBestFit(aligned int) BlockHandle {
	best := NoBlock
	bestCapacity := 0

	for h := m.head.next; h != freeListHead; h = m.link(h).next {
		capacity := m.header(h).capacity
		if capacity < aligned {
			continue
		}

		if best == NoBlock || capacity < bestCapacity {
			best = h
			bestCapacity = capacity
		}

		if capacity == aligned {
			break
		}
	}

	return best
}

// Insert hands a detached block to the free list. The block is first merged with the free
// block that physically follows it and then into the free block that physically precedes it,
// when those exist. The list stays in address order. Insert returns the free block that now
// contains h, which is h itself unless it was merged into its predecessor.
func (m *HeapMetadata) Insert(h BlockHandle) BlockHandle {
	hdr := m.header(h)
	if hdr.next != h || hdr.prev != h {
		panic(errors.AssertionFailedf("block %d is already in the free list", h))
	}
	hdr.state = blockStateFree

	next := m.head.next
	for next != freeListHead && next < h {
		next = m.link(next).next
	}
	prev := m.link(next).prev

	if next == freeListHead || !m.Merge(h, next) {
		hdr.prev = prev
		hdr.next = next
		m.link(prev).next = h
		m.link(next).prev = h
		m.freeCount++
	}

	if prev != freeListHead && m.dataEnd(prev) == int(h) {
		m.Detach(h)
		m.Merge(prev, h)
		return prev
	}

	return h
}

// TrimTail returns the free block at the end of the heap, if there is one, to the segment
// regardless of the trim threshold. It reports whether the heap shrank.
func (m *HeapMetadata) TrimTail() bool {
	last := m.head.prev
	if last == freeListHead || m.dataEnd(last) != m.HeapEnd() {
		return false
	}

	m.Detach(last)
	if !m.shrink(last) {
		m.Insert(last)
		return false
	}

	return true
}
