package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
)

func readyHeap(t *testing.T, limit int, trimThreshold int, strategy metadata.AllocationStrategy) (*metadata.HeapMetadata, *memutils.Counters, *segment.SliceSegment) {
	seg, err := segment.NewSliceSegment(limit)
	require.NoError(t, err)

	counters := &memutils.Counters{}
	heap := metadata.NewHeapMetadata(8, trimThreshold, strategy)
	require.NoError(t, heap.Init(seg, counters))

	return heap, counters, seg
}

func allocate(t *testing.T, heap *metadata.HeapMetadata, size int) metadata.BlockHandle {
	h, err := heap.Allocate(size)
	require.NoError(t, err)
	require.NotEqual(t, metadata.NoBlock, h)
	return h
}

func TestInitRejectsBadAlignment(t *testing.T) {
	seg, err := segment.NewSliceSegment(1024)
	require.NoError(t, err)

	heap := metadata.NewHeapMetadata(12, 0, 0)
	err = heap.Init(seg, &memutils.Counters{})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	heap = metadata.NewHeapMetadata(2, 0, 0)
	require.Error(t, heap.Init(seg, &memutils.Counters{}))
}

func TestInitDefaults(t *testing.T) {
	heap, _, _ := readyHeap(t, 1024, 0, 0)

	require.Equal(t, metadata.DefaultAlignment, heap.Alignment())
	require.Equal(t, metadata.DefaultTrimThreshold, heap.TrimThreshold())
	require.Equal(t, metadata.AllocationStrategyMinTime, heap.Strategy())
	require.Zero(t, heap.HeaderSize()%int(heap.Alignment()))
	require.True(t, heap.IsEmpty())
	require.NoError(t, heap.Validate())
}

func TestAllocateAlignment(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<20, 0, 0)

	expectedEnd := 0
	for size := 1; size <= 100; size++ {
		h := allocate(t, heap, size)

		require.Equal(t, expectedEnd, int(h))
		require.Equal(t, (size+7)/8*8, heap.Capacity(h))
		require.Equal(t, size, heap.Size(h))
		require.True(t, heap.IsDetached(h))
		require.False(t, heap.IsFree(h))

		expectedEnd += heap.HeaderSize() + heap.Capacity(h)
		require.Equal(t, expectedEnd, heap.HeapEnd())
	}

	require.Equal(t, 100, counters.Blocks)
	require.Equal(t, 100, counters.Grows)
	require.Equal(t, expectedEnd, counters.HeapSize)
	require.NoError(t, heap.Validate())
}

func TestAllocateOutOfMemory(t *testing.T) {
	heap, counters, _ := readyHeap(t, 256, 0, 0)

	_, err := heap.Allocate(512)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, memutils.Counters{}, *counters)
	require.Equal(t, 0, heap.HeapEnd())

	_, err = heap.Allocate(-1)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = heap.Allocate(math.MaxInt)
	require.ErrorIs(t, err, memutils.ErrAllocationOverflow)
}

func TestReleaseHeapFinalBlock(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 64, 0)

	first := allocate(t, heap, 16)
	last := allocate(t, heap, 100)
	end := heap.HeapEnd()
	blocks := counters.Blocks

	require.True(t, heap.Release(last))
	require.Equal(t, end-heap.HeaderSize()-104, heap.HeapEnd())
	require.Equal(t, int(last), heap.HeapEnd())
	require.Equal(t, blocks-1, counters.Blocks)
	require.Equal(t, 1, counters.Shrinks)
	require.Equal(t, heap.HeapEnd(), counters.HeapSize)

	// Below the threshold
	require.False(t, heap.Release(first))
	require.Equal(t, 1, counters.Shrinks)
	require.NoError(t, heap.Validate())
}

func TestReleaseNegativeThresholdTrimsAnySize(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, -1, 0)
	require.Equal(t, 0, heap.TrimThreshold())

	first := allocate(t, heap, 8)
	last := allocate(t, heap, 8)

	require.True(t, heap.Release(last))
	require.True(t, heap.Release(first))
	require.Equal(t, 2, counters.Shrinks)
	require.True(t, heap.IsEmpty())
	require.NoError(t, heap.Validate())
}

func TestReleaseRequiresHeapFinalBlock(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 64, 0)

	large := allocate(t, heap, 256)
	allocate(t, heap, 8)
	end := heap.HeapEnd()

	require.False(t, heap.Release(large))
	require.Equal(t, end, heap.HeapEnd())
	require.Equal(t, 0, counters.Shrinks)
	require.Equal(t, 256, heap.Capacity(large))

	require.False(t, heap.Release(metadata.NoBlock))
}

func TestDetachIsIdempotent(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	allocate(t, heap, 16)

	heap.Insert(a)
	heap.Insert(b)
	require.Equal(t, 2, heap.FreeCount())
	require.NoError(t, heap.Validate())

	require.Equal(t, a, heap.Detach(a))
	require.True(t, heap.IsDetached(a))
	require.False(t, heap.IsFree(a))
	require.Equal(t, 1, heap.FreeCount())

	require.Equal(t, a, heap.Detach(a))
	require.Equal(t, 1, heap.FreeCount())
	require.Equal(t, b, heap.Search(8))

	heap.Detach(b)
	require.Equal(t, 0, heap.FreeCount())
	require.Equal(t, metadata.NoBlock, heap.Search(8))
	require.NoError(t, heap.Validate())
}

func TestMergeAdjacentBlocks(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 24)
	c := allocate(t, heap, 8)

	// c does not start where a ends
	require.False(t, heap.Merge(a, c))
	require.Equal(t, 16, heap.Capacity(a))
	require.Equal(t, 3, counters.Blocks)

	require.True(t, heap.Merge(a, b))
	require.Equal(t, 16+heap.HeaderSize()+24, heap.Capacity(a))
	require.Equal(t, 2, counters.Blocks)
	require.Equal(t, 1, counters.Merges)
	require.True(t, heap.IsDetached(a))
	require.NoError(t, heap.Validate())
}

func TestMergeTakesListPosition(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	allocate(t, heap, 8)

	heap.Insert(b)
	require.Equal(t, b, heap.Search(16))

	require.True(t, heap.Merge(a, b))
	require.False(t, heap.IsDetached(a))
	require.True(t, heap.IsFree(a))
	require.Equal(t, 1, heap.FreeCount())
	require.Equal(t, a, heap.Search(16+heap.HeaderSize()+16))
	require.NoError(t, heap.Validate())
}

func TestSplitListedBlock(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 128)
	allocate(t, heap, 8)
	heap.Insert(a)

	require.Equal(t, a, heap.Split(a, 13))
	require.Equal(t, 16, heap.Capacity(a))
	require.Equal(t, 13, heap.Size(a))
	require.Equal(t, 1, counters.Splits)
	require.Equal(t, 3, counters.Blocks)
	require.Equal(t, 2, heap.FreeCount())

	remainderCapacity := 128 - 16 - heap.HeaderSize()
	remainder := heap.Search(remainderCapacity)
	require.Equal(t, heap.DataOffset(a)+16, int(remainder))
	require.Equal(t, remainderCapacity, heap.Capacity(remainder))
	require.Equal(t, remainderCapacity, heap.Size(remainder))

	heap.Detach(a)
	require.Equal(t, remainder, heap.Search(1))
	require.NoError(t, heap.Validate())
}

func TestSplitWithoutSlack(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 0, 0)

	capacity := 40 + heap.HeaderSize()
	a := allocate(t, heap, capacity)
	allocate(t, heap, 8)
	heap.Insert(a)

	// Exactly a header and the aligned size is not enough for a useful remainder
	require.Equal(t, a, heap.Split(a, 33))
	require.Equal(t, capacity, heap.Capacity(a))
	require.Equal(t, 33, heap.Size(a))
	require.Equal(t, 0, counters.Splits)
	require.Equal(t, 1, heap.FreeCount())

	heap.Detach(a)
	require.NoError(t, heap.Validate())
}

func TestSplitDetachedBlockInsertsRemainder(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 256)
	allocate(t, heap, 8)

	heap.Split(a, 64)
	require.True(t, heap.IsDetached(a))
	require.Equal(t, 64, heap.Capacity(a))
	require.Equal(t, 1, heap.FreeCount())
	require.Equal(t, 256-64-heap.HeaderSize(), heap.FreeBytes())
	require.NoError(t, heap.Validate())
}

func TestInsertCoalescesInEitherOrder(t *testing.T) {
	for _, order := range [][]int{{0, 1}, {1, 0}} {
		heap, counters, _ := readyHeap(t, 1<<16, 0, 0)

		blocks := []metadata.BlockHandle{
			allocate(t, heap, 32),
			allocate(t, heap, 48),
		}
		allocate(t, heap, 8)

		for _, index := range order {
			heap.Insert(blocks[index])
			require.NoError(t, heap.Validate())
		}

		require.Equal(t, 1, heap.FreeCount())
		require.Equal(t, 32+heap.HeaderSize()+48, heap.FreeBytes())
		require.Equal(t, blocks[0], heap.Search(1))
		require.Equal(t, 2, counters.Blocks)
		require.Equal(t, 1, counters.Merges)
	}
}

func TestInsertCoalescesBothNeighbors(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	c := allocate(t, heap, 16)
	allocate(t, heap, 8)

	require.Equal(t, a, heap.Insert(a))
	require.Equal(t, c, heap.Insert(c))
	require.Equal(t, 2, heap.FreeCount())

	require.Equal(t, a, heap.Insert(b))
	require.Equal(t, 1, heap.FreeCount())
	require.Equal(t, 3*16+2*heap.HeaderSize(), heap.Capacity(a))
	require.Equal(t, 2, counters.Blocks)
	require.Equal(t, 2, counters.Merges)
	require.NoError(t, heap.Validate())
}

func TestInsertKeepsAddressOrder(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	var blocks []metadata.BlockHandle
	for i := 0; i < 5; i++ {
		blocks = append(blocks, allocate(t, heap, 16))
		allocate(t, heap, 8)
	}

	for _, index := range []int{3, 0, 4, 2, 1} {
		heap.Insert(blocks[index])
	}
	require.Equal(t, 5, heap.FreeCount())
	require.NoError(t, heap.Validate())

	for _, block := range blocks {
		require.Equal(t, block, heap.Search(16))
		heap.Detach(block)
	}
}

func TestInsertPanicsOnListedBlock(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	allocate(t, heap, 8)
	heap.Insert(a)

	require.Panics(t, func() {
		heap.Insert(a)
	})
}

func TestSearchStrategies(t *testing.T) {
	for _, strategy := range []metadata.AllocationStrategy{metadata.AllocationStrategyMinTime, metadata.AllocationStrategyMinMemory} {
		heap, _, _ := readyHeap(t, 1<<16, 0, strategy)

		large := allocate(t, heap, 64)
		allocate(t, heap, 8)
		small := allocate(t, heap, 16)
		allocate(t, heap, 8)
		medium := allocate(t, heap, 32)
		allocate(t, heap, 8)
		sameAsSmall := allocate(t, heap, 16)
		allocate(t, heap, 8)

		heap.Insert(large)
		heap.Insert(small)
		heap.Insert(medium)
		heap.Insert(sameAsSmall)

		require.Equal(t, metadata.NoBlock, heap.Search(65))

		if strategy == metadata.AllocationStrategyMinTime {
			require.Equal(t, large, heap.Search(9))
			require.Equal(t, large, heap.Search(24))
		} else {
			require.Equal(t, small, heap.Search(9))
			require.Equal(t, medium, heap.Search(24))
			require.Equal(t, large, heap.Search(33))
		}
	}
}

func TestTrimTail(t *testing.T) {
	heap, counters, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 16)

	require.False(t, heap.TrimTail())

	heap.Insert(b)
	require.Equal(t, 1, heap.FreeCount())
	require.True(t, heap.TrimTail())
	require.Equal(t, int(b), heap.HeapEnd())
	require.Equal(t, 0, heap.FreeCount())
	require.Equal(t, 1, counters.Blocks)
	require.Equal(t, 1, counters.Shrinks)

	heap.Insert(a)
	require.True(t, heap.TrimTail())
	require.True(t, heap.IsEmpty())
	require.NoError(t, heap.Validate())
}

func TestBlockFromData(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	allocate(t, heap, 8)

	h, err := heap.BlockFromData(heap.DataOffset(a))
	require.NoError(t, err)
	require.Equal(t, a, h)

	_, err = heap.BlockFromData(heap.DataOffset(a) + 8)
	require.ErrorIs(t, err, memutils.ErrInvalidPointer)

	_, err = heap.BlockFromData(heap.HeapEnd() + 64)
	require.ErrorIs(t, err, memutils.ErrInvalidPointer)

	_, err = heap.BlockFromData(-8)
	require.ErrorIs(t, err, memutils.ErrInvalidPointer)

	heap.Insert(b)
	_, err = heap.BlockFromData(heap.DataOffset(b))
	require.ErrorIs(t, err, memutils.ErrInvalidPointer)

	// b was merged into a, so its header is gone
	heap.Insert(a)
	_, err = heap.BlockFromData(heap.DataOffset(b))
	require.ErrorIs(t, err, memutils.ErrInvalidPointer)
}

func TestValidateDetectsCorruptHeader(t *testing.T) {
	heap, _, seg := readyHeap(t, 1<<16, 0, 0)

	allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	require.NoError(t, heap.Validate())

	segment.Bytes(seg)[int(b)] ^= 0xFF
	require.Error(t, heap.Validate())
}

func TestDetailedStatistics(t *testing.T) {
	heap, _, _ := readyHeap(t, 1<<16, 0, 0)

	a := allocate(t, heap, 10)
	allocate(t, heap, 100)
	c := allocate(t, heap, 64)
	allocate(t, heap, 8)
	heap.Insert(a)
	heap.Insert(c)

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      4,
			BlockBytes:      heap.HeapEnd(),
			AllocationCount: 2,
			AllocationBytes: 104 + 8,
		},
		RequestedBytes:     108,
		UnusedRangeCount:   2,
		UnusedRangeBytes:   16 + 64,
		AllocationSizeMin:  8,
		AllocationSizeMax:  104,
		UnusedRangeSizeMin: 16,
		UnusedRangeSizeMax: 64,
	}, stats)

	var basic memutils.Statistics
	heap.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)
}
