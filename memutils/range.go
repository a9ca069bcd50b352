package memutils

import "fmt"

// Range is an inclusive [Start, Last] range of byte addresses within a host
// process's address space. Ranges are immutable once attached to an IntervalNode;
// changing a node's range requires removing and reinserting the node.
type Range struct {
	Start uint64
	Last  uint64
}

// NewRange builds the inclusive range covering size bytes beginning at addr.
// A size of zero produces an invalid range, which callers must reject before
// handing the range to an IntervalTree.
func NewRange(addr, size uint64) Range {
	return Range{
		Start: addr,
		Last:  addr + size - 1,
	}
}

// Valid returns false for inverted or zero-length ranges
func (r Range) Valid() bool {
	return r.Start <= r.Last
}

// Size returns the number of bytes the range covers
func (r Range) Size() uint64 {
	return r.Last - r.Start + 1
}

// Overlaps returns true when the two ranges share at least one byte
func (r Range) Overlaps(other Range) bool {
	return r.Start <= other.Last && other.Start <= r.Last
}

// Contains returns true when other lies entirely within r
func (r Range) Contains(other Range) bool {
	return r.Start <= other.Start && other.Last <= r.Last
}

// Union returns the smallest range covering both r and other
func (r Range) Union(other Range) Range {
	out := r
	if other.Start < out.Start {
		out.Start = other.Start
	}
	if other.Last > out.Last {
		out.Last = other.Last
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x-0x%x]", r.Start, r.Last)
}
