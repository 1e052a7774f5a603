package memutils

import "math"

// Statistics summarizes the blocks of a heap. BlockCount and BlockBytes cover every block,
// header included in BlockBytes, while AllocationCount and AllocationBytes cover only the
// capacity of blocks currently handed out to callers.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the spread of allocation and free block sizes.
// RequestedBytes is the sum of the sizes callers asked for, so AllocationBytes-RequestedBytes
// is the internal fragmentation of the heap.
type DetailedStatistics struct {
	Statistics
	RequestedBytes     int
	UnusedRangeCount   int
	UnusedRangeBytes   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.RequestedBytes = 0
	s.UnusedRangeCount = 0
	s.UnusedRangeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(capacity, requested int) {
	s.AllocationCount++
	s.AllocationBytes += capacity
	s.RequestedBytes += requested

	if capacity < s.AllocationSizeMin {
		s.AllocationSizeMin = capacity
	}

	if capacity > s.AllocationSizeMax {
		s.AllocationSizeMax = capacity
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.RequestedBytes += other.RequestedBytes
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeBytes += other.UnusedRangeBytes

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// InternalFragmentation returns the percentage of handed out capacity that callers did not ask for
func (s *DetailedStatistics) InternalFragmentation() float64 {
	if s.AllocationBytes == 0 {
		return 0
	}
	return 100 * float64(s.AllocationBytes-s.RequestedBytes) / float64(s.AllocationBytes)
}

// ExternalFragmentation returns the percentage of free bytes that sit outside the largest free block
func (s *DetailedStatistics) ExternalFragmentation() float64 {
	if s.UnusedRangeBytes == 0 {
		return 0
	}
	return 100 * (1 - float64(s.UnusedRangeSizeMax)/float64(s.UnusedRangeBytes))
}
