package metadata

import (
	"math"
	"math/bits"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memquarry/buddyheap"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// pageDesc is the descriptor for a single minimum-granularity page of the managed region.
// Adjacent pages that belong to the same larger block share one owning descriptor: the
// descriptor of the block's lowest-addressed page. Only owning descriptors carry a
// meaningful order, and only owning descriptors ever appear on a free list.
type pageDesc struct {
	offset int
	order  int

	prevFree *pageDesc
	nextFree *pageDesc

	userData any
}

// Free-list membership is tracked through the prevFree pointer: a descriptor that points
// at itself is taken, anything else is free (nil marks the head of its list).
func (p *pageDesc) MarkFree() {
	p.prevFree = nil
}

func (p *pageDesc) MarkTaken() {
	p.prevFree = p
}

func (p *pageDesc) IsFree() bool {
	return p.prevFree != p
}

// BuddyBlockMetadata is a BlockMetadata implementation that manages its region as a binary
// buddy system. The region size must be a power of two. Allocations are rounded up to
// power-of-two block sizes no smaller than one page (2^minOrder bytes); a request that
// cannot be satisfied from the free list of the exact order splits the smallest available
// larger block downward, keeping the lower half at each step. Freeing a block repeatedly
// merges it with its buddy- the neighboring block of the same order created by the same
// split- for as long as the buddy is wholly free, so every byte of the region always
// belongs to exactly one block of the conceptual partition tree.
//
// Every block's offset is aligned to its own size, which means allocations satisfy any
// requested alignment up to the rounded block size for free.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	minOrder int
	maxOrder int

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int
	// Bit i is set when the free list for order minOrder+i is non-empty
	isFreeBitmap uint64

	pages    []pageDesc
	freeList []*pageDesc

	liveAllocs *swiss.Map[BlockAllocationHandle, *pageDesc]
}

var _ BlockMetadata = &BuddyBlockMetadata{}

// NewBuddyBlockMetadata creates a new BuddyBlockMetadata with the provided page granularity:
// no block smaller than 2^minOrder bytes will ever be handed out or tracked. minOrder must
// be between 1 and 62. Init must be called before use.
func NewBuddyBlockMetadata(minOrder int) *BuddyBlockMetadata {
	if minOrder < 1 || minOrder > 62 {
		panic("minOrder must be between 1 and 62")
	}

	return &BuddyBlockMetadata{
		minOrder: minOrder,
	}
}

// Init prepares this structure for allocations and sizes the region in bytes based on the
// parameter size, which must be a power of two no smaller than one page and no larger
// than 2^63.
func (m *BuddyBlockMetadata) Init(size int) {
	if size < 1<<m.minOrder {
		panic("region size is smaller than a single page")
	}
	if err := buddyheap.CheckPow2(size, "region size"); err != nil {
		panic(err)
	}

	m.BlockMetadataBase.Init(size)
	m.maxOrder = bits.TrailingZeros(uint(size))
	if m.maxOrder-m.minOrder >= 64 {
		panic("region size requires more than 64 orders")
	}

	pageCount := size >> uint(m.minOrder)
	m.pages = make([]pageDesc, pageCount)
	for i := 0; i < pageCount; i++ {
		m.pages[i].offset = i << uint(m.minOrder)
		m.pages[i].order = m.minOrder
		m.pages[i].MarkTaken()
	}

	m.freeList = make([]*pageDesc, m.maxOrder-m.minOrder+1)
	m.liveAllocs = swiss.NewMap[BlockAllocationHandle, *pageDesc](64)

	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0

	// The whole region starts out as one free block of the highest order
	m.pages[0].order = m.maxOrder
	m.insertFreeBlock(&m.pages[0])
}

// MinOrder returns the smallest order this metadata will allocate at- the page granularity.
func (m *BuddyBlockMetadata) MinOrder() int { return m.minOrder }

// MaxOrder returns the order of the entire region, so that Size() == 1 << MaxOrder.
func (m *BuddyBlockMetadata) MaxOrder() int { return m.maxOrder }

func (m *BuddyBlockMetadata) descAt(offset int) *pageDesc {
	return &m.pages[offset>>uint(m.minOrder)]
}

func (m *BuddyBlockMetadata) getLiveBlock(handle BlockAllocationHandle) (*pageDesc, error) {
	block, ok := m.liveAllocs.Get(handle)
	if !ok {
		return nil, errors.Wrapf(buddyheap.ErrInvalidFree, "handle %d does not match a live allocation in this metadata", handle)
	}
	return block, nil
}

// sizeToOrder returns the order of the smallest block that can hold size bytes, clamped
// up to the page order so the descriptor table never needs entries finer than one page.
func (m *BuddyBlockMetadata) sizeToOrder(size int) int {
	order := buddyheap.SizeToOrder(size)
	if order < m.minOrder {
		order = m.minOrder
	}
	return order
}

func (m *BuddyBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	return m.blocksFreeCount
}

func (m *BuddyBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize
}

func (m *BuddyBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BuddyBlockMetadata) insertFreeBlock(block *pageDesc) {
	if block.IsFree() {
		panic("block is already free")
	}

	index := block.order - m.minOrder
	if index < 0 || index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	} else {
		m.isFreeBitmap |= 1 << uint(index)
	}
	block.userData = nil
	m.blocksFreeCount++
	m.blocksFreeSize += buddyheap.OrderSize(block.order)
}

func (m *BuddyBlockMetadata) removeFreeBlock(block *pageDesc) {
	if !block.IsFree() {
		panic("provided block is not free")
	}

	index := block.order - m.minOrder

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.isFreeBitmap &= ^(uint64(1) << uint(index))
		}
	}

	block.nextFree = nil
	block.MarkTaken()
	m.blocksFreeCount--
	m.blocksFreeSize -= buddyheap.OrderSize(block.order)
}

func (m *BuddyBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}
	if err := buddyheap.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, allocRequest, err
	}

	buddyheap.DebugValidate(m)

	order := m.sizeToOrder(allocSize)

	// Every block is aligned to its own size, so a stricter alignment just means a
	// larger block
	alignOrder := bits.TrailingZeros(allocAlignment)
	if alignOrder > order {
		order = alignOrder
	}

	if order > m.maxOrder {
		return false, allocRequest, nil
	}

	// Find the lowest non-empty free list at or above the target order
	index := order - m.minOrder
	available := m.isFreeBitmap & (math.MaxUint64 << uint(index))
	if available == 0 {
		return false, allocRequest, nil
	}

	foundIndex := bits.TrailingZeros64(available)
	block := m.freeList[foundIndex]
	if block == nil {
		panic("free list index was marked in the bitmap, but no blocks were in the free list")
	}

	allocRequest.Type = AllocationRequestBuddy
	allocRequest.BlockAllocationHandle = BlockAllocationHandle(block.offset + 1)
	allocRequest.Size = buddyheap.OrderSize(order)
	allocRequest.AlgorithmData = uint64(order)

	return true, allocRequest, nil
}

func (m *BuddyBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestBuddy {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	targetOrder := int(request.AlgorithmData)
	if targetOrder < m.minOrder || targetOrder > m.maxOrder {
		return errors.Errorf("allocation request carries order %d, which is outside this metadata's range", targetOrder)
	}

	offset := int(request.BlockAllocationHandle) - 1
	if offset < 0 || offset >= m.Size() {
		return errors.Errorf("allocation request carries offset %d, which is outside this metadata's region", offset)
	}

	block := m.descAt(offset)
	if block.offset != offset || !block.IsFree() || block.order < targetOrder {
		return errors.New("allocation request no longer matches a free block- the metadata has changed since the request was created")
	}

	m.removeFreeBlock(block)

	// Split downward until the block is the target order, keeping the lower half and
	// registering each upper half on the free list one order down
	for block.order > targetOrder {
		block.order--

		buddy := m.descAt(buddyheap.BuddyOffset(block.offset, block.order))
		buddy.order = block.order
		m.insertFreeBlock(buddy)
	}

	block.userData = userData
	m.allocCount++
	m.liveAllocs.Put(BlockAllocationHandle(block.offset+1), block)

	return nil
}

func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getLiveBlock(allocHandle)
	if err != nil {
		return err
	}

	m.liveAllocs.Delete(allocHandle)
	m.allocCount--
	block.userData = nil

	offset := block.offset
	order := block.order

	// Coalesce upward. The buddy relation is order-dependent, so the buddy offset is
	// recomputed fresh at every level: a merge is only legal while the buddy's owning
	// descriptor is free at exactly the current order.
	for order < m.maxOrder {
		buddy := m.descAt(buddyheap.BuddyOffset(offset, order))
		if !buddy.IsFree() || buddy.order != order {
			break
		}

		m.removeFreeBlock(buddy)
		if buddy.offset < offset {
			offset = buddy.offset
		}
		order++
	}

	merged := m.descAt(offset)
	merged.order = order
	m.insertFreeBlock(merged)

	buddyheap.DebugValidate(m)

	return nil
}

func (m *BuddyBlockMetadata) Clear() {
	for i := 0; i < len(m.pages); i++ {
		m.pages[i].order = m.minOrder
		m.pages[i].nextFree = nil
		m.pages[i].userData = nil
		m.pages[i].MarkTaken()
	}

	m.freeList = make([]*pageDesc, len(m.freeList))
	m.liveAllocs = swiss.NewMap[BlockAllocationHandle, *pageDesc](64)
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0

	m.pages[0].order = m.maxOrder
	m.insertFreeBlock(&m.pages[0])
}

func (m *BuddyBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getLiveBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *BuddyBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getLiveBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return buddyheap.OrderSize(block.order), nil
}

func (m *BuddyBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getLiveBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	return block.userData, nil
}

func (m *BuddyBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	block, err := m.getLiveBlock(allocHandle)
	if err != nil {
		return err
	}

	block.userData = userData
	return nil
}

func (m *BuddyBlockMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	// Owning descriptors always carry an accurate order, so the partition can be walked
	// by jumping block to block
	for offset := 0; offset < m.Size(); {
		block := m.descAt(offset)
		size := buddyheap.OrderSize(block.order)

		err := handleRegion(BlockAllocationHandle(offset+1), offset, size, block.userData, block.IsFree())
		if err != nil {
			return err
		}

		offset += size
	}

	return nil
}

func (m *BuddyBlockMetadata) FreeCounts() []OrderFreeCount {
	counts := make([]OrderFreeCount, m.maxOrder-m.minOrder+1)

	for index := 0; index < len(m.freeList); index++ {
		order := m.minOrder + index
		counts[index].Order = order
		counts[index].BlockSize = buddyheap.OrderSize(order)

		for block := m.freeList[index]; block != nil; block = block.nextFree {
			counts[index].FreeCount++
		}
	}

	return counts
}

func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *buddyheap.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += m.Size()

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset, size int, userData any, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (m *BuddyBlockMetadata) AddStatistics(stats *buddyheap.Statistics) {
	stats.ArenaCount++
	stats.AllocationCount += m.allocCount
	stats.ArenaBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

func (m *BuddyBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	// Check integrity of free lists
	freeListCount := 0
	freeListSize := 0
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		order := m.minOrder + listIndex
		block := m.freeList[listIndex]

		if block == nil {
			if m.isFreeBitmap&(1<<uint(listIndex)) != 0 {
				return errors.Errorf("the free bitmap marks order %d as non-empty, but its free list is empty", order)
			}
			continue
		}

		if m.isFreeBitmap&(1<<uint(listIndex)) == 0 {
			return errors.Errorf("the free list for order %d is non-empty, but the free bitmap does not mark it", order)
		}

		if block.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		for ; block != nil; block = block.nextFree {
			if !block.IsFree() {
				return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
			}
			if block.order != order {
				return errors.Errorf("block at offset %d is in the free list for order %d but has order %d", block.offset, order, block.order)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}

			freeListCount++
			freeListSize += buddyheap.OrderSize(block.order)
		}
	}

	// Walk the partition: the owning descriptors must tile the region exactly
	var allocCount, freeCount, freeSize int
	for offset := 0; offset < m.Size(); {
		block := m.descAt(offset)
		size := buddyheap.OrderSize(block.order)

		if block.offset != offset {
			return errors.Errorf("the descriptor owning offset %d records offset %d", offset, block.offset)
		}
		if block.order < m.minOrder || block.order > m.maxOrder {
			return errors.Errorf("block at offset %d has order %d, which is out of range", offset, block.order)
		}
		if offset%size != 0 {
			return errors.Errorf("block at offset %d is not aligned to its own size %d", offset, size)
		}

		if block.IsFree() {
			freeCount++
			freeSize += size

			// A free block's buddy may never also be wholly free- they would have
			// been merged
			if block.order < m.maxOrder {
				buddy := m.descAt(buddyheap.BuddyOffset(offset, block.order))
				if buddy.IsFree() && buddy.order == block.order {
					return errors.Errorf("the free blocks at offsets %d and %d are buddies at order %d and should have been merged", offset, buddy.offset, block.order)
				}
			}
		} else {
			allocCount++

			handle := BlockAllocationHandle(offset + 1)
			if _, ok := m.liveAllocs.Get(handle); !ok {
				return errors.Errorf("the allocated block at offset %d is missing from the live allocation map", offset)
			}
		}

		offset += size
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the partition and the number of blocks in the free lists do not match! free list size: %d, partition free blocks: %d", freeListCount, freeCount)
	}

	if freeSize != freeListSize {
		return errors.Errorf("the free lists account for %d free bytes, but the partition contains %d", freeListSize, freeSize)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	if freeSize != m.blocksFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks only added up to %d", m.blocksFreeSize, freeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if m.liveAllocs.Count() != m.allocCount {
		return errors.Errorf("the live allocation map holds %d entries, but the metadata has %d allocations", m.liveAllocs.Count(), m.allocCount)
	}

	return nil
}

func (m *BuddyBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats buddyheap.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.ArenaBytes-stats.AllocationBytes, stats.AllocationCount, stats.FreeRangeCount)

	freeLists := json.Name("FreeLists").Array()
	for _, count := range m.FreeCounts() {
		obj := freeLists.Object()
		obj.Name("Order").Int(count.Order)
		obj.Name("BlockSize").Int(count.BlockSize)
		obj.Name("Count").Int(count.FreeCount)
		obj.End()
	}
	freeLists.End()
}

func (m *BuddyBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset, size int, userData any, free bool) error {
		if !free {
			logFunc(logger, offset, size, userData)
		}
		return nil
	})
}
