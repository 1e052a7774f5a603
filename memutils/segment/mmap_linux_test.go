//go:build linux

package segment_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
)

func TestMmapSegmentBreak(t *testing.T) {
	seg, err := segment.NewMmapSegment(1 << 20)
	require.NoError(t, err)
	require.Zero(t, seg.Limit()%os.Getpagesize())

	testSegmentBreak(t, seg)
	require.NoError(t, seg.Close())
}

func TestMmapSegmentShrinkClears(t *testing.T) {
	seg, err := segment.NewMmapSegment(1 << 20)
	require.NoError(t, err)

	testSegmentShrinkClears(t, seg)
	require.NoError(t, seg.Close())
}

func TestMmapSegmentReleasesPages(t *testing.T) {
	pageSize := os.Getpagesize()
	seg, err := segment.NewMmapSegment(16 * pageSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	require.Equal(t, 0, seg.Sbrk(4*pageSize+10))
	memory := segment.Bytes(seg)
	for i := range memory {
		memory[i] = 0x5A
	}

	require.Equal(t, 4*pageSize+10, seg.Sbrk(-(3*pageSize + 10)))
	require.Equal(t, pageSize, seg.Sbrk(3*pageSize))

	memory = segment.Bytes(seg)
	require.Equal(t, byte(0x5A), memory[pageSize-1])
	for i := pageSize; i < len(memory); i++ {
		require.Zero(t, memory[i])
	}
}

func TestNewDefault(t *testing.T) {
	seg, err := segment.NewDefault(1 << 20)
	require.NoError(t, err)

	require.Equal(t, 0, seg.Sbrk(64))
	require.NoError(t, seg.Close())
}
