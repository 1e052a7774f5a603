package malloc

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal
	// mutex is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateTrackAllocations keeps a table of every live allocation. Pointers passed to
	// Free and Realloc are checked against the table, and Destroy reports the order in which
	// unreleased allocations were made. This costs a map operation per call.
	AllocatorCreateTrackAllocations
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
	AllocatorCreateTrackAllocations:       "AllocatorCreateTrackAllocations",
}

func (f CreateFlags) String() string {
	var names []string
	for flag := CreateFlags(1); flag != 0 && flag <= f; flag <<= 1 {
		if f&flag == 0 {
			continue
		}
		name, ok := createFlagsMapping[flag]
		if !ok {
			name = "UnknownFlag"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

const (
	// DefaultHeapLimit is the size of the segment that is reserved when none is provided via
	// CreateOptions. It is equal to 1Gb of address space.
	DefaultHeapLimit int = 1024 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Alignment is the unit that every block capacity is rounded up to. It must be a power of
	// two no smaller than the alignment of a machine word. Defaults to metadata.DefaultAlignment.
	Alignment uint
	// TrimThreshold is the smallest capacity a block at the end of the heap must have to be
	// returned to the segment when it is freed. Defaults to metadata.DefaultTrimThreshold. A
	// negative value returns every heap-final block on free, whatever its capacity.
	TrimThreshold int
	// Strategy chooses between free blocks that can all satisfy a request. Defaults to
	// metadata.AllocationStrategyMinTime, which is first-fit in address order.
	Strategy metadata.AllocationStrategy

	// Segment is the heap growth primitive the allocator grows and shrinks. If it is left nil, the
	// allocator reserves its own segment of HeapLimit bytes and closes it on Destroy. A segment
	// that is provided here is not closed by the allocator.
	Segment segment.Segment
	// HeapLimit is the size of the segment reserved when Segment is nil. Defaults to DefaultHeapLimit.
	HeapLimit int
}

// New creates a new Allocator
//
// logger - Receives debug messages for every call and error messages about unreleased memory
// on Destroy. If nil, slog.Default() is used.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		segment:     options.Segment,
	}
	allocator.mutex.UseMutex = options.Flags&AllocatorCreateExternallySynchronized == 0

	if allocator.segment == nil {
		heapLimit := options.HeapLimit
		if heapLimit == 0 {
			heapLimit = DefaultHeapLimit
		}

		var err error
		allocator.segment, err = segment.NewDefault(heapLimit)
		if err != nil {
			return nil, err
		}
		allocator.ownsSegment = true
	}

	allocator.heap = metadata.NewHeapMetadata(options.Alignment, options.TrimThreshold, options.Strategy)
	err := allocator.heap.Init(allocator.segment, &allocator.counters)
	if err != nil {
		if allocator.ownsSegment {
			err = errors.CombineErrors(err, allocator.segment.Close())
		}
		return nil, errors.Wrap(err, "failed to initialize the heap")
	}

	if options.Flags&AllocatorCreateTrackAllocations != 0 {
		allocator.liveAllocations = swiss.NewMap[metadata.BlockHandle, trackedAllocation](64)
	}

	memutils.DebugValidate(allocator.heap)

	logger.Debug("Allocator::New",
		slog.String("flags", options.Flags.String()),
		slog.Int("headerSize", allocator.heap.HeaderSize()),
		slog.Int("alignment", int(allocator.heap.Alignment())),
		slog.Int("trimThreshold", allocator.heap.TrimThreshold()),
		slog.String("strategy", allocator.heap.Strategy().String()),
	)

	return allocator, nil
}
