// Package metadata implements the block engine of a break style heap and the free list
// threaded through the block headers.
//
// Every block is a header followed by its data. Blocks are laid out back to back from the
// start of the segment to its break, so the block that follows h physically always begins at
// h + HeaderSize() + Capacity(h). Free blocks are additionally kept on a circular, doubly linked
// list in address order whose links live in the headers themselves.
package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
)

const (
	// DefaultAlignment is the alignment unit used when none is provided. Capacities are
	// always a multiple of the alignment unit.
	DefaultAlignment uint = 8
	// DefaultTrimThreshold is the smallest capacity that a heap-final block must have before
	// it is returned to the segment rather than the free list.
	DefaultTrimThreshold int = 1024
)

// HeapMetadata manages the blocks of a single segment. It is not safe for concurrent use.
type HeapMetadata struct {
	segment  segment.Segment
	counters *memutils.Counters

	alignment     uint
	headerSize    int
	trimThreshold int
	strategy      AllocationStrategy

	heapStart BlockHandle
	head      linkage
	freeCount int
}

var _ memutils.Validatable = &HeapMetadata{}

// NewHeapMetadata creates block metadata with the provided alignment unit, trim threshold and
// free list search strategy. Zero values select DefaultAlignment, DefaultTrimThreshold and
// AllocationStrategyMinTime. A negative trimThreshold returns every freed heap-final block to
// the segment. Init must be called before the metadata is used.
func NewHeapMetadata(alignment uint, trimThreshold int, strategy AllocationStrategy) *HeapMetadata {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if trimThreshold == 0 {
		trimThreshold = DefaultTrimThreshold
	} else if trimThreshold < 0 {
		trimThreshold = 0
	}
	if strategy == 0 {
		strategy = AllocationStrategyMinTime
	}

	return &HeapMetadata{
		alignment:     alignment,
		trimThreshold: trimThreshold,
		strategy:      strategy,
		head:          linkage{prev: freeListHead, next: freeListHead},
	}
}

// Init attaches the metadata to the segment it will grow and the counters it will maintain.
// The segment's current break becomes the start of the heap and must be a multiple of the
// alignment unit.
func (m *HeapMetadata) Init(seg segment.Segment, counters *memutils.Counters) error {
	if seg == nil {
		return errors.New("heap metadata requires a segment")
	}
	if counters == nil {
		return errors.New("heap metadata requires counters")
	}

	err := memutils.CheckPow2(m.alignment, "alignment")
	if err != nil {
		return err
	}
	if m.alignment < headerAlignment {
		return errors.Newf("alignment %d is smaller than the block header alignment %d", m.alignment, headerAlignment)
	}
	if _, ok := allocationStrategyMapping[m.strategy]; !ok {
		return errors.Newf("unknown allocation strategy: %d", m.strategy)
	}

	brk := seg.Sbrk(0)
	if brk == segment.SbrkFailure {
		return errors.New("segment did not report its break")
	}
	if brk%int(m.alignment) != 0 {
		return errors.Newf("segment break %d is not a multiple of the alignment %d", brk, m.alignment)
	}

	m.segment = seg
	m.counters = counters
	m.headerSize = memutils.AlignUp(rawHeaderSize, m.alignment)
	m.heapStart = BlockHandle(brk)
	m.head = linkage{prev: freeListHead, next: freeListHead}
	m.freeCount = 0
	return nil
}

// HeaderSize is the number of bytes between a block handle and the first byte of its data
func (m *HeapMetadata) HeaderSize() int { return m.headerSize }

// Alignment is the alignment unit that capacities are rounded to
func (m *HeapMetadata) Alignment() uint { return m.alignment }

func (m *HeapMetadata) TrimThreshold() int { return m.trimThreshold }

func (m *HeapMetadata) Strategy() AllocationStrategy { return m.strategy }

// HeapStart is the offset of the first block
func (m *HeapMetadata) HeapStart() int { return int(m.heapStart) }

// HeapEnd is the current break of the segment
func (m *HeapMetadata) HeapEnd() int { return m.segment.Sbrk(0) }

// AlignedSize rounds size up to the alignment unit
func (m *HeapMetadata) AlignedSize(size int) int {
	memutils.DebugCheckPow2(m.alignment, "alignment")
	return memutils.AlignUp(size, m.alignment)
}

func (m *HeapMetadata) Capacity(h BlockHandle) int { return m.header(h).capacity }

func (m *HeapMetadata) Size(h BlockHandle) int { return m.header(h).size }

// SetSize records a new requested size for the block. The size must fit in its capacity.
func (m *HeapMetadata) SetSize(h BlockHandle, size int) {
	hdr := m.header(h)
	if size < 0 || size > hdr.capacity {
		panic(errors.AssertionFailedf("size %d does not fit block %d with capacity %d", size, h, hdr.capacity))
	}
	hdr.size = size
}

// IsDetached reports whether the block is outside of the free list
func (m *HeapMetadata) IsDetached(h BlockHandle) bool {
	l := m.link(h)
	return l.prev == h && l.next == h
}

// IsFree reports whether the block has been handed to the free list
func (m *HeapMetadata) IsFree(h BlockHandle) bool {
	return m.header(h).state == blockStateFree
}

// DataOffset is the offset of the first data byte of the block
func (m *HeapMetadata) DataOffset(h BlockHandle) int {
	return int(h) + m.headerSize
}

func (m *HeapMetadata) dataEnd(h BlockHandle) int {
	return m.DataOffset(h) + m.header(h).capacity
}

// BlockFromData recovers the block whose data begins at the provided offset. It returns an
// error wrapping memutils.ErrInvalidPointer unless the offset is exactly the data offset of a
// block that is currently allocated.
func (m *HeapMetadata) BlockFromData(offset int) (BlockHandle, error) {
	h := BlockHandle(offset - m.headerSize)
	brk := m.HeapEnd()

	if h < m.heapStart || offset > brk {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "offset %d is outside of the heap [%d, %d)", offset, m.heapStart, brk)
	}
	if (int(h)-int(m.heapStart))%int(m.alignment) != 0 {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "offset %d is not aligned to %d", offset, m.alignment)
	}

	hdr := m.header(h)
	if hdr.magic != blockMagic {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "offset %d is not preceded by a block header", offset)
	}
	if hdr.state != blockStateAllocated {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "block at offset %d is %s", offset, hdr.state)
	}
	if hdr.capacity < 0 || offset+hdr.capacity > brk {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "block at offset %d has corrupt capacity %d", offset, hdr.capacity)
	}

	return h, nil
}

// FreeCount is the number of blocks currently in the free list
func (m *HeapMetadata) FreeCount() int { return m.freeCount }

// FreeBytes is the total capacity of the blocks in the free list
func (m *HeapMetadata) FreeBytes() int {
	var total int
	for h := m.head.next; h != freeListHead; h = m.link(h).next {
		total += m.header(h).capacity
	}
	return total
}

// IsEmpty reports whether the heap holds no blocks at all
func (m *HeapMetadata) IsEmpty() bool {
	return m.HeapEnd() == int(m.heapStart)
}

// BlockJsonData populates a json object with information about the heap
func (m *HeapMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(m.HeapEnd() - int(m.heapStart))
	json.Name("HeaderSize").Int(m.headerSize)
	json.Name("Alignment").Int(int(m.alignment))
	json.Name("TrimThreshold").Int(m.trimThreshold)
	json.Name("Strategy").String(m.strategy.String())
	json.Name("UnusedBytes").Int(stats.UnusedRangeBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
}
