package metadata

// AllocationStrategy selects how the free list chooses between several free blocks that
// are all large enough for a request.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinTime selects the first free block, in address order, that is large
	// enough for the request. This is the default.
	AllocationStrategyMinTime AllocationStrategy = 1 << iota
	// AllocationStrategyMinMemory selects the smallest free block that is large enough for the
	// request, taking the lowest address when several blocks have the same capacity. This
	// scans the whole free list on every search.
	AllocationStrategyMinMemory
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinMemory: "MinMemory",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
