package memutils

import "math"

// Statistics describes the tracking state of one or more notifier contexts
// or processes in coarse terms.
type Statistics struct {
	// ContextCount is the number of live notifier contexts summed in
	ContextCount int
	// NodeCount is the number of interval-index nodes, one per maximal
	// cluster of overlapping tracked ranges
	NodeCount int
	// RegistrationCount is the number of buffer objects currently registered
	// for address-space tracking
	RegistrationCount int
	// TrackedBytes is the total host address space covered by index nodes
	TrackedBytes uint64
}

func (s *Statistics) Clear() {
	s.ContextCount = 0
	s.NodeCount = 0
	s.RegistrationCount = 0
	s.TrackedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ContextCount += other.ContextCount
	s.NodeCount += other.NodeCount
	s.RegistrationCount += other.RegistrationCount
	s.TrackedBytes += other.TrackedBytes
}

// DetailedStatistics adds per-node range size extremes to Statistics. Populate
// it with Clear before summing node data into it so the Min fields start out
// at their identity value.
type DetailedStatistics struct {
	Statistics
	NodeRangeSizeMin uint64
	NodeRangeSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.NodeRangeSizeMin = math.MaxUint64
	s.NodeRangeSizeMax = 0
}

// AddNode sums a single interval-index node covering size bytes into the statistics
func (s *DetailedStatistics) AddNode(size uint64) {
	s.NodeCount++
	s.TrackedBytes += size

	if size < s.NodeRangeSizeMin {
		s.NodeRangeSizeMin = size
	}

	if size > s.NodeRangeSizeMax {
		s.NodeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.NodeRangeSizeMin < s.NodeRangeSizeMin {
		s.NodeRangeSizeMin = other.NodeRangeSizeMin
	}

	if other.NodeRangeSizeMax > s.NodeRangeSizeMax {
		s.NodeRangeSizeMax = other.NodeRangeSizeMax
	}
}
