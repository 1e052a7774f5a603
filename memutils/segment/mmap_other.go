//go:build !linux

package segment

// NewDefault creates the segment used by allocators that were not given one. Outside of
// Linux it is a SliceSegment.
func NewDefault(limit int) (Segment, error) {
	return NewSliceSegment(limit)
}
