package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

// Validate walks the heap in physical order and then the free list, and returns an error
// describing the first inconsistency found. It is proportional to the number of blocks.
func (m *HeapMetadata) Validate() error {
	brk := m.HeapEnd()
	if brk < int(m.heapStart) {
		return errors.Errorf("heap end %d is below heap start %d", brk, m.heapStart)
	}

	var blockCount, freeCount int
	previousFree := false
	offset := int(m.heapStart)

	for offset < brk {
		if offset+m.headerSize > brk {
			return errors.Errorf("block at offset %d has a header that runs past the heap end %d", offset, brk)
		}

		h := BlockHandle(offset)
		hdr := m.header(h)
		if hdr.magic != blockMagic {
			return errors.Errorf("block at offset %d has an invalid magic value %#x", offset, hdr.magic)
		}
		if hdr.capacity < 0 || hdr.capacity%int(m.alignment) != 0 {
			return errors.Errorf("block at offset %d has capacity %d, which is not a multiple of %d", offset, hdr.capacity, m.alignment)
		}
		if hdr.size < 0 || hdr.size > hdr.capacity {
			return errors.Errorf("block at offset %d has size %d, which does not fit its capacity %d", offset, hdr.size, hdr.capacity)
		}

		detached := hdr.prev == h && hdr.next == h
		switch hdr.state {
		case blockStateAllocated:
			if !detached {
				return errors.Errorf("allocated block at offset %d is linked into the free list", offset)
			}
			previousFree = false
		case blockStateFree:
			if detached {
				return errors.Errorf("free block at offset %d is not in the free list", offset)
			}
			if previousFree {
				return errors.Errorf("free block at offset %d directly follows another free block", offset)
			}
			previousFree = true
			freeCount++
		default:
			return errors.Errorf("block at offset %d has an unknown state %s", offset, hdr.state)
		}

		blockCount++
		offset = m.DataOffset(h) + hdr.capacity
	}

	if offset != brk {
		return errors.Errorf("the last block ends at offset %d, but the heap ends at %d", offset, brk)
	}

	var listCount int
	previous := freeListHead
	for h := m.head.next; h != freeListHead; h = m.link(h).next {
		if listCount >= freeCount {
			return errors.Errorf("the free list holds more than the %d free blocks in the heap", freeCount)
		}
		if h < m.heapStart || int(h) >= brk {
			return errors.Errorf("free list refers to offset %d outside of the heap", h)
		}

		hdr := m.header(h)
		if hdr.state != blockStateFree {
			return errors.Errorf("block at offset %d is in the free list but is %s", h, hdr.state)
		}
		if hdr.prev != previous {
			return errors.Errorf("block at offset %d lists %d as its previous block, but the list reached it from %d", h, hdr.prev, previous)
		}
		if previous != freeListHead && previous >= h {
			return errors.Errorf("free list is out of address order: %d comes after %d", h, previous)
		}

		listCount++
		previous = h
	}

	if m.head.prev != previous {
		return errors.Errorf("free list tail is %d, but the list ended at %d", m.head.prev, previous)
	}
	if listCount != freeCount {
		return errors.Errorf("the free list holds %d blocks, but the heap has %d free blocks", listCount, freeCount)
	}
	if m.freeCount != freeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were %d free blocks", m.freeCount, freeCount)
	}
	if m.counters.Blocks != blockCount {
		return errors.Errorf("the block counter is %d, but the heap has %d blocks", m.counters.Blocks, blockCount)
	}
	if m.counters.HeapSize != brk-int(m.heapStart) {
		return errors.Errorf("the heap size counter is %d, but the heap spans %d bytes", m.counters.HeapSize, brk-int(m.heapStart))
	}

	return nil
}

// VisitAllRegions calls handleBlock once for every block of the heap in address order. The
// walk stops at the first error returned by the callback, which is passed back to the caller.
func (m *HeapMetadata) VisitAllRegions(handleBlock func(handle BlockHandle, capacity, size int, free bool) error) error {
	brk := m.HeapEnd()
	for offset := int(m.heapStart); offset < brk; {
		h := BlockHandle(offset)
		hdr := m.header(h)
		if hdr.magic != blockMagic {
			return errors.Errorf("block at offset %d has an invalid magic value %#x", offset, hdr.magic)
		}

		err := handleBlock(h, hdr.capacity, hdr.size, m.IsFree(h))
		if err != nil {
			return err
		}

		offset = m.DataOffset(h) + hdr.capacity
	}

	return nil
}

// AddDetailedStatistics walks every block of the heap and adds its sizes to stats
func (m *HeapMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	var heapStats memutils.DetailedStatistics
	heapStats.Clear()
	heapStats.BlockBytes = m.HeapEnd() - int(m.heapStart)

	_ = m.VisitAllRegions(func(handle BlockHandle, capacity, size int, free bool) error {
		heapStats.BlockCount++
		if free {
			heapStats.AddUnusedRange(capacity)
		} else {
			heapStats.AddAllocation(capacity, size)
		}
		return nil
	})

	stats.AddDetailedStatistics(&heapStats)
}

// AddStatistics adds the heap's totals to stats. Only the free list is walked, so the cost
// grows with the number of free blocks rather than with the size of the heap.
func (m *HeapMetadata) AddStatistics(stats *memutils.Statistics) {
	heapSize := m.HeapEnd() - int(m.heapStart)

	stats.AddStatistics(&memutils.Statistics{
		BlockCount:      m.counters.Blocks,
		AllocationCount: m.counters.Blocks - m.freeCount,
		BlockBytes:      heapSize,
		AllocationBytes: heapSize - m.counters.Blocks*m.headerSize - m.FreeBytes(),
	})
}
