package malloc

import (
	"context"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/malloc/internal/utils"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
	"golang.org/x/exp/slog"
)

// Allocator hands out memory from a single heap segment with the malloc family of calls.
// Every pointer it returns points at the first byte after a block header, and stays valid
// until it is passed to Free or Realloc.
type Allocator struct {
	mutex       utils.OptionalMutex
	logger      *slog.Logger
	createFlags CreateFlags

	segment     segment.Segment
	ownsSegment bool
	heap        *metadata.HeapMetadata
	counters    memutils.Counters

	liveAllocations *swiss.Map[metadata.BlockHandle, trackedAllocation]
	nextSerial      int
}

type trackedAllocation struct {
	serial int
}

// Malloc allocates size bytes and returns a pointer to them. The memory is not cleared. A size
// of 0 returns nil with no error. When the heap cannot grow, the returned error wraps
// memutils.ErrOutOfMemory.
func (a *Allocator) Malloc(size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Malloc")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.malloc(size)
}

func (a *Allocator) malloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "size %d", size)
	}
	if size == 0 {
		return nil, nil
	}
	if a.heap == nil {
		return nil, errors.New("malloc called on a destroyed allocator")
	}

	memutils.DebugValidate(a.heap)

	block := a.heap.Search(size)
	if block == metadata.NoBlock {
		var err error
		block, err = a.heap.Allocate(size)
		if err != nil {
			return nil, err
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap grew",
			slog.Int("block", int(block)),
			slog.Int("capacity", a.heap.Capacity(block)),
			slog.Int("heapSize", a.counters.HeapSize),
		)
	} else {
		block = a.heap.Detach(a.heap.Split(block, size))
		a.counters.Reuses++
	}

	if a.heap.Capacity(block) < a.heap.Size(block) {
		panic(errors.AssertionFailedf("block %d has size %d larger than its capacity %d", block, a.heap.Size(block), a.heap.Capacity(block)))
	}
	if a.heap.Size(block) != size {
		panic(errors.AssertionFailedf("block %d has size %d, but %d bytes were requested", block, a.heap.Size(block), size))
	}
	if !a.heap.IsDetached(block) {
		panic(errors.AssertionFailedf("block %d is still linked into the free list", block))
	}

	a.counters.Mallocs++
	a.counters.Requested += size
	a.track(block)

	return a.pointer(block), nil
}

// Free releases memory returned by Malloc, Calloc or Realloc. Freeing nil does nothing. Freeing
// any other pointer that is not a live allocation of this allocator, including a pointer that
// was already freed, panics with an error wrapping memutils.ErrInvalidPointer.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	a.logger.Debug("Allocator::Free")

	if ptr == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.free(ptr)
}

func (a *Allocator) free(ptr unsafe.Pointer) {
	block := a.blockFromPointer("free", ptr)

	a.counters.Frees++
	a.untrack(block)

	capacity := a.heap.Capacity(block)
	if a.heap.Release(block) {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap trimmed",
			slog.Int("block", int(block)),
			slog.Int("capacity", capacity),
			slog.Int("heapSize", a.counters.HeapSize),
		)
		return
	}

	a.heap.Insert(block)
	memutils.DebugValidate(a.heap)
}

// Calloc allocates memory for count elements of size bytes each and clears it. If count*size
// does not fit in an int, it returns an error wrapping memutils.ErrAllocationOverflow instead of
// allocating less than was asked for.
func (a *Allocator) Calloc(count, size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Calloc")

	if count < 0 || size < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "%d elements of %d bytes", count, size)
	}

	total, ok := memutils.CheckedMul(count, size)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrAllocationOverflow, "%d elements of %d bytes", count, size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.malloc(total)
	if ptr == nil {
		return nil, err
	}

	clear(unsafe.Slice((*byte)(ptr), total))
	a.counters.Callocs++
	return ptr, nil
}

// Realloc changes the size of the allocation at ptr. A nil ptr behaves like Malloc, and a size
// of 0 behaves like Free and returns nil. When the block's capacity already fits size, the same
// pointer is returned. Otherwise the contents, up to the smaller of the two sizes, are moved to
// a new allocation and the old one is freed. If the new allocation fails, the old one is left
// untouched and the error is returned.
func (a *Allocator) Realloc(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Realloc")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.counters.Reallocs++

	if ptr == nil {
		return a.malloc(size)
	}
	if size < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "size %d", size)
	}
	if size == 0 {
		a.free(ptr)
		return nil, nil
	}

	block := a.blockFromPointer("realloc", ptr)
	if a.heap.Capacity(block) >= size {
		a.heap.SetSize(block, size)
		return ptr, nil
	}

	oldSize := a.heap.Size(block)
	newPtr, err := a.malloc(size)
	if err != nil {
		return nil, err
	}

	copy(unsafe.Slice((*byte)(newPtr), size), unsafe.Slice((*byte)(ptr), min(oldSize, size)))
	a.free(ptr)

	return newPtr, nil
}

// UsableSize returns the capacity of the allocation at ptr, which may be larger than the size
// that was requested. It returns 0 for nil.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.heap.Capacity(a.blockFromPointer("usable size", ptr))
}

// Bytes returns the allocation at ptr as a byte slice whose length is the requested size and
// whose capacity is the block capacity. The slice must not be used after ptr is freed.
func (a *Allocator) Bytes(ptr unsafe.Pointer) []byte {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block := a.blockFromPointer("bytes", ptr)
	return unsafe.Slice((*byte)(ptr), a.heap.Capacity(block))[:a.heap.Size(block)]
}

// Trim returns the free block at the end of the heap to the segment, even when it is smaller
// than the trim threshold. It reports whether the heap shrank.
func (a *Allocator) Trim() bool {
	a.logger.Debug("Allocator::Trim")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.heap == nil || a.heap.IsEmpty() {
		return false
	}
	return a.heap.TrimTail()
}

// Destroy releases the allocator. If any allocations are still live they are logged at error
// level and an error is returned; the segment is left in place in that case.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.heap == nil {
		return errors.New("allocator has already been destroyed")
	}

	var unreleased int
	err := a.heap.VisitAllRegions(func(handle metadata.BlockHandle, capacity, size int, free bool) error {
		if free {
			return nil
		}

		unreleased++
		a.logUnreleasedMemory(handle, capacity, size)
		return nil
	})
	if err != nil {
		a.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
		return err
	}

	if unreleased > 0 {
		return errors.Newf("%d allocations were not freed before the destruction of this allocator", unreleased)
	}

	if a.ownsSegment {
		err = a.segment.Close()
		if err != nil {
			return err
		}
	}

	a.heap = nil
	a.segment = nil
	a.liveAllocations = nil
	return nil
}

func (a *Allocator) logUnreleasedMemory(block metadata.BlockHandle, capacity, size int) {
	attrs := []slog.Attr{
		slog.Int("offset", a.heap.DataOffset(block)),
		slog.Int("size", size),
		slog.Int("capacity", capacity),
	}

	if a.liveAllocations != nil {
		tracked, ok := a.liveAllocations.Get(block)
		if ok {
			attrs = append(attrs, slog.Int("serial", tracked.serial))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation", attrs...)
}

func (a *Allocator) pointer(block metadata.BlockHandle) unsafe.Pointer {
	return unsafe.Add(a.segment.Base(), a.heap.DataOffset(block))
}

// blockFromPointer is the only place a caller's pointer is turned back into a block. A pointer
// that does not belong to a live allocation is a programming error that would corrupt the heap
// if the call went ahead, so it panics.
func (a *Allocator) blockFromPointer(operation string, ptr unsafe.Pointer) metadata.BlockHandle {
	if a.heap == nil {
		panic(errors.Newf("%s called on a destroyed allocator", operation))
	}

	base := uintptr(a.segment.Base())
	address := uintptr(ptr)
	if address < base || address-base > math.MaxInt {
		panic(errors.Wrapf(memutils.ErrInvalidPointer, "invalid %s: pointer %p is not inside the heap", operation, ptr))
	}

	block, err := a.heap.BlockFromData(int(address - base))
	if err != nil {
		panic(errors.Wrapf(err, "invalid %s: pointer %p", operation, ptr))
	}

	if a.liveAllocations != nil && !a.liveAllocations.Has(block) {
		panic(errors.Wrapf(memutils.ErrInvalidPointer, "invalid %s: pointer %p is not a tracked allocation", operation, ptr))
	}

	return block
}

func (a *Allocator) track(block metadata.BlockHandle) {
	if a.liveAllocations == nil {
		return
	}

	a.nextSerial++
	a.liveAllocations.Put(block, trackedAllocation{serial: a.nextSerial})
}

func (a *Allocator) untrack(block metadata.BlockHandle) {
	if a.liveAllocations == nil {
		return
	}

	a.liveAllocations.Delete(block)
}
