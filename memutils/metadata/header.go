package metadata

import (
	"fmt"
	"unsafe"
)

// BlockHandle identifies a block by the offset of its header from the segment base
type BlockHandle int

const (
	// NoBlock is returned by searches that found nothing and by failed allocations
	NoBlock BlockHandle = -1
	// freeListHead is the sentinel that closes the circular free list. Its links live in
	// HeapMetadata rather than in the segment.
	freeListHead BlockHandle = -2
)

const blockMagic uint32 = 0x6D616C63

type blockState uint32

const (
	blockStateAllocated blockState = iota + 1
	blockStateFree
)

var blockStateMapping = map[blockState]string{
	blockStateAllocated: "Allocated",
	blockStateFree:      "Free",
}

func (s blockState) String() string {
	str, ok := blockStateMapping[s]
	if !ok {
		return fmt.Sprintf("blockState(%d)", uint32(s))
	}
	return str
}

// linkage holds the free list links. A block whose links both point at itself is detached.
type linkage struct {
	prev BlockHandle
	next BlockHandle
}

// blockHeader is written in place immediately before the data of every block
type blockHeader struct {
	magic    uint32
	state    blockState
	capacity int
	size     int
	linkage
}

var (
	rawHeaderSize   = int(unsafe.Sizeof(blockHeader{}))
	headerAlignment = uint(unsafe.Alignof(blockHeader{}))
)

// header is the only place a handle is turned into memory. Every other method works on handles.
func (m *HeapMetadata) header(h BlockHandle) *blockHeader {
	if h < m.heapStart || int(h)+m.headerSize > m.segment.Sbrk(0) {
		panic(fmt.Sprintf("block handle %d is outside of the heap", h))
	}

	return (*blockHeader)(unsafe.Add(m.segment.Base(), int(h)))
}

func (m *HeapMetadata) link(h BlockHandle) *linkage {
	if h == freeListHead {
		return &m.head
	}
	return &m.header(h).linkage
}
