package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memquarry/buddyheap"
	"golang.org/x/exp/slog"
)

// BlockMetadata represents the bookkeeping for a single contiguous region of memory within some
// system. It manages allocations within the region, allowing blocks to be requested and freed, as
// well as enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the implementation an opportunity
	// to ensure that metadata structures are prepared for allocations, as well as allows the consumer
	// to inform the implementation of the size in bytes of the region of memory it will be managing,
	// via the size parameter. Implementations may impose restrictions on acceptable sizes-
	// BuddyBlockMetadata requires a power of two.
	Init(size int)
	// Size retrieves the size in bytes that the region was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of allocations currently live in the implementation. This number
	// should generally be the number of successful allocations minus the number of successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the region. Adjacent free
	// regions that the implementation is capable of merging should be counted as a single region.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the region.
	SumFreeSize() int

	// IsEmpty will return true if this region has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the managed memory, in ascending offset order. Depending on implementation, this can be slow
	// and should generally not be done except for diagnostic purposes.
	VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset accepts a BlockAllocationHandle that maps to a live allocation within the
	// region and returns the offset in bytes within the region for that allocation.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this region.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize accepts a BlockAllocationHandle that maps to a live allocation within the
	// region and returns the size in bytes actually reserved for that allocation, which may be
	// larger than the size originally requested.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this region.
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
	// region and returns the userdata value provided by the consumer for that allocation.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this region.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
	// region and a userData value. The allocation's userData is changed to the provided userData.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this region.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this region's allocation statistics into the statistics currently present
	// in the provided buddyheap.DetailedStatistics object.
	AddDetailedStatistics(stats *buddyheap.DetailedStatistics)
	// AddStatistics sums this region's allocation statistics into the statistics currently present in the
	// provided buddyheap.Statistics object.
	AddStatistics(stats *buddyheap.Statistics)

	// FreeCounts reports, for each size class the implementation maintains from smallest to largest,
	// the number of free blocks currently available at that class. Read-only.
	FreeCounts() []OrderFreeCount

	// Clear instantly frees all allocations and returns the metadata to its initial state
	Clear()
	// BlockJsonData populates a json object with information about this region
	BlockJsonData(json jwriter.ObjectState)
	// DebugLogAllAllocations writes a log line via logFunc for each live allocation in the region
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
	// would prefer to allocate the requested memory. That object can be passed to Alloc to commit the
	// allocation.
	//
	// allocSize - the size in bytes of the requested allocation. Must be at least 1.
	// allocAlignment - the minimum alignment of the requested allocation, which must be zero or a
	// power of two. The implementation may increase the alignment above this value, but may not reduce
	// it below this value.
	//
	// The first return value indicates whether a suitable free region was found- false with a nil
	// error means the request cannot currently be satisfied.
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the allocation within the region based
	// on the data described in the AllocationRequest. The implementation must return an error if the
	// allocation is no longer valid- i.e. the requested free block no longer exists, is not free,
	// is no longer large enough to support the request, etc.
	Alloc(request AllocationRequest, userData any) error

	// Free frees an allocation within the region, causing it to become a free block once again.
	//
	// The implementation must return an error that unwraps to buddyheap.ErrInvalidFree if the
	// provided handle does not map to a live allocation within this region.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the buddyheap module.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this region
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
