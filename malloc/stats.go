package malloc

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
)

// Statistics returns a snapshot of the allocator's counters
func (a *Allocator) Statistics() memutils.Counters {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.counters
}

// HeapStatistics fills stats with the block and allocation totals of the heap. Unlike
// CalculateStatistics it only walks the free list.
func (a *Allocator) HeapStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()
	if a.heap != nil {
		a.heap.AddStatistics(stats)
	}
}

// CalculateStatistics walks the heap and fills stats with the spread of allocated and free
// block sizes. It is proportional to the number of blocks in the heap.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()
	if a.heap != nil {
		a.heap.AddDetailedStatistics(stats)
	}
}

// Validate checks the heap for internal consistency and returns the first problem found
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.heap == nil {
		return errors.New("allocator has already been destroyed")
	}
	return a.heap.Validate()
}

// BuildStatsString returns a json document describing the allocator. When detailed is true the
// document lists every block of the heap. After Destroy the document holds only the counters.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	countersObj := objState.Name("Counters").Object()
	a.counters.JsonData(&countersObj)
	countersObj.End()

	if a.heap == nil {
		objState.End()
		return string(writer.Bytes())
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.heap.AddDetailedStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	totalObj.Name("BlockCount").Int(stats.BlockCount)
	totalObj.Name("BlockBytes").Int(stats.BlockBytes)
	totalObj.Name("AllocationCount").Int(stats.AllocationCount)
	totalObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	totalObj.Name("RequestedBytes").Int(stats.RequestedBytes)
	totalObj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	totalObj.Name("UnusedRangeBytes").Int(stats.UnusedRangeBytes)
	if stats.AllocationCount > 0 {
		totalObj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		totalObj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		totalObj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		totalObj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
	totalObj.Name("InternalFragmentation").Float64(stats.InternalFragmentation())
	totalObj.Name("ExternalFragmentation").Float64(stats.ExternalFragmentation())
	totalObj.End()

	heapObj := objState.Name("Heap").Object()
	a.heap.BlockJsonData(&heapObj)
	if detailed {
		a.printDetailedMap(&heapObj)
	}
	heapObj.End()

	objState.End()
	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.heap.VisitAllRegions(func(handle metadata.BlockHandle, capacity, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(a.heap.DataOffset(handle))
		if free {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocated")
			obj.Name("Size").Int(size)
		}
		obj.Name("Capacity").Int(capacity)

		if !free && a.liveAllocations != nil {
			tracked, ok := a.liveAllocations.Get(handle)
			if ok {
				obj.Name("Serial").Int(tracked.serial)
			}
		}

		return nil
	})
}
