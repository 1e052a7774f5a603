package memutils

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Counters is the running tally kept by a heap and the allocator in front of it. The values
// exist for diagnostics only; nothing in the allocation path reads them back.
type Counters struct {
	// HeapSize is the number of bytes currently obtained from the heap segment
	HeapSize int
	// Blocks is the number of blocks, live or free, that make up the heap
	Blocks  int
	Grows   int
	Shrinks int
	Splits  int
	Merges  int

	Mallocs  int
	Frees    int
	Callocs  int
	Reallocs int
	// Reuses counts allocations satisfied from the free list instead of by growing the heap
	Reuses int
	// Requested is the total number of bytes requested by successful allocations
	Requested int
}

func (c *Counters) Clear() {
	*c = Counters{}
}

// JsonData writes every counter as a field of the provided json object
func (c *Counters) JsonData(json *jwriter.ObjectState) {
	json.Name("HeapSize").Int(c.HeapSize)
	json.Name("Blocks").Int(c.Blocks)
	json.Name("Grows").Int(c.Grows)
	json.Name("Shrinks").Int(c.Shrinks)
	json.Name("Splits").Int(c.Splits)
	json.Name("Merges").Int(c.Merges)
	json.Name("Mallocs").Int(c.Mallocs)
	json.Name("Frees").Int(c.Frees)
	json.Name("Callocs").Int(c.Callocs)
	json.Name("Reallocs").Int(c.Reallocs)
	json.Name("Reuses").Int(c.Reuses)
	json.Name("Requested").Int(c.Requested)
}

func (c Counters) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "heap size:  %s\n", humanize.IBytes(uint64(c.HeapSize)))
	fmt.Fprintf(&sb, "blocks:     %d\n", c.Blocks)
	fmt.Fprintf(&sb, "grows:      %d\n", c.Grows)
	fmt.Fprintf(&sb, "shrinks:    %d\n", c.Shrinks)
	fmt.Fprintf(&sb, "splits:     %d\n", c.Splits)
	fmt.Fprintf(&sb, "merges:     %d\n", c.Merges)
	fmt.Fprintf(&sb, "mallocs:    %d\n", c.Mallocs)
	fmt.Fprintf(&sb, "frees:      %d\n", c.Frees)
	fmt.Fprintf(&sb, "callocs:    %d\n", c.Callocs)
	fmt.Fprintf(&sb, "reallocs:   %d\n", c.Reallocs)
	fmt.Fprintf(&sb, "reuses:     %d\n", c.Reuses)
	fmt.Fprintf(&sb, "requested:  %s\n", humanize.IBytes(uint64(c.Requested)))
	return sb.String()
}
