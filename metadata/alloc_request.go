package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify individual allocations within
// a BlockMetadata. Implementations choose their own encoding- BuddyBlockMetadata uses the
// block's byte offset plus one, so that the block at offset 0 does not collide with the
// zero value.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestBuddy indicates that the allocation request was sourced from
	// metadata.BuddyBlockMetadata
	AllocationRequestBuddy AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestBuddy: "Buddy",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// and how the metadata intends to allocate new memory. This allocation can be applied to the actual
// memory region consuming the metadata, and then committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the allocation, maybe larger than what was originally requested
	Size int
	// Type identifies the sort of allocation this request represents (and can be used
	// to identify the BlockMetadata implementation used to generate this request).
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}

// OrderFreeCount reports the number of free blocks currently held at a single order's free
// list, along with the block size that order represents.
type OrderFreeCount struct {
	Order     int
	BlockSize int
	FreeCount int
}
