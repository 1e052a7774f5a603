package malloc

import (
	"sync"
	"unsafe"

	"golang.org/x/exp/slog"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
	defaultErr       error
)

// Default returns the process-wide allocator used by the package level functions. It is
// created on first use with default options and lives for the rest of the process.
func Default() (*Allocator, error) {
	defaultOnce.Do(func() {
		defaultAllocator, defaultErr = New(slog.Default(), CreateOptions{})
	})

	return defaultAllocator, defaultErr
}

// Malloc allocates size bytes from the default allocator. It returns nil for a size of 0 and
// when memory is exhausted.
func Malloc(size int) unsafe.Pointer {
	allocator, err := Default()
	if err != nil {
		return nil
	}

	ptr, _ := allocator.Malloc(size)
	return ptr
}

// Free releases memory obtained from Malloc, Calloc or Realloc. Freeing nil does nothing.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	allocator, err := Default()
	if err != nil {
		panic(err)
	}

	allocator.Free(ptr)
}

// Calloc allocates cleared memory for count elements of size bytes from the default allocator.
// It returns nil if count*size overflows or memory is exhausted.
func Calloc(count, size int) unsafe.Pointer {
	allocator, err := Default()
	if err != nil {
		return nil
	}

	ptr, _ := allocator.Calloc(count, size)
	return ptr
}

// Realloc resizes memory obtained from the default allocator. See Allocator.Realloc.
func Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	allocator, err := Default()
	if err != nil {
		return nil
	}

	newPtr, _ := allocator.Realloc(ptr, size)
	return newPtr
}
