package buddyheap

import "math"

// Statistics is a basic accounting summary for one or more arenas: how many arenas
// were summed, how many bytes they control, and how many of those bytes are
// committed to live allocations.
type Statistics struct {
	ArenaCount      int
	AllocationCount int
	ArenaBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.ArenaCount = 0
	s.AllocationCount = 0
	s.ArenaBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.AllocationCount += other.AllocationCount
	s.ArenaBytes += other.ArenaBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with free-region counts and size extremes.
// Collecting it requires a full walk of the arena's block partition, so it is a good
// deal more expensive than Statistics.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
