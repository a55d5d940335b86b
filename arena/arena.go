package arena

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memquarry/buddyheap"
	"github.com/memquarry/buddyheap/internal/utils"
	"github.com/memquarry/buddyheap/metadata"
	"golang.org/x/exp/slog"
)

// Options configures a new Arena.
type Options struct {
	// MinOrder is the page order: the smallest block the arena will hand out is
	// 2^MinOrder bytes
	MinOrder int
	// MaxOrder is the arena order: the arena manages a single contiguous region of
	// 2^MaxOrder bytes for its whole lifetime
	MaxOrder int

	// UseMutex engages an internal mutex that serializes all arena operations. When it is
	// false (the default), the arena performs no locking and the caller is responsible
	// for its own synchronization discipline.
	UseMutex bool
	// Logger receives debug logging from the alloc and free paths. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// Arena is a fixed-size heap backed by a single contiguous byte region of 2^MaxOrder
// bytes, managed with metadata.BuddyBlockMetadata. Alloc returns byte offsets into the
// region; Bytes converts a live offset into the allocation's backing slice. The region is
// created once and never grows or shrinks.
type Arena struct {
	memory   []byte
	metadata *metadata.BuddyBlockMetadata

	mutex  utils.OptionalRWMutex
	logger *slog.Logger
}

// New creates an Arena from the provided Options and reserves its backing region. The
// options must satisfy 0 < MinOrder <= MaxOrder <= 48; larger arenas are refused before
// the region is reserved rather than left to fail in make.
func New(options Options) (*Arena, error) {
	if options.MinOrder < 1 {
		return nil, errors.Newf("MinOrder is %d, but must be at least 1", options.MinOrder)
	}
	if options.MaxOrder < options.MinOrder {
		return nil, errors.Newf("MaxOrder is %d, but must be at least MinOrder (%d)", options.MaxOrder, options.MinOrder)
	}
	if options.MaxOrder > 48 {
		return nil, errors.Newf("MaxOrder is %d, but arenas larger than 2^48 bytes are not supported", options.MaxOrder)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := buddyheap.OrderSize(options.MaxOrder)
	md := metadata.NewBuddyBlockMetadata(options.MinOrder)
	md.Init(size)

	a := &Arena{
		memory:   make([]byte, size),
		metadata: md,
		logger:   logger,
	}
	a.mutex.UseMutex = options.UseMutex

	return a, nil
}

// Size returns the size of the arena's backing region in bytes.
func (a *Arena) Size() int {
	return a.metadata.Size()
}

// PageSize returns the arena's minimum allocation granularity in bytes.
func (a *Arena) PageSize() int {
	return buddyheap.OrderSize(a.metadata.MinOrder())
}

// Alloc reserves the smallest free block that can hold size bytes and returns its byte
// offset within the arena. The block handed out is 2^ceil(log2(size)) bytes, no smaller
// than one page, and its offset is always aligned to the block's own size.
//
// Alloc fails with buddyheap.ErrInvalidSize when size is not positive, with
// buddyheap.ErrOutOfRange when size exceeds the arena size, and with
// buddyheap.ErrOutOfMemory when no free block of sufficient order exists. Out-of-memory
// is terminal for the call- the arena performs no retries- but the caller may retry
// after a Free.
func (a *Arena) Alloc(size int) (int, error) {
	return a.AllocAligned(size, 1)
}

// AllocAligned behaves as Alloc, but additionally guarantees the returned offset is
// aligned to alignment, which must be a power of two. Alignments no larger than the
// rounded block size are free; larger alignments round the block up further.
func (a *Arena) AllocAligned(size int, alignment uint) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if size < 1 {
		return 0, errors.Wrapf(buddyheap.ErrInvalidSize, "requested size is %d", size)
	}
	if size > a.metadata.Size() {
		return 0, errors.Wrapf(buddyheap.ErrOutOfRange, "requested size %d exceeds the arena size %d", size, a.metadata.Size())
	}

	success, request, err := a.metadata.CreateAllocationRequest(size, alignment)
	if err != nil {
		return 0, err
	}
	if !success {
		return 0, errors.Wrapf(buddyheap.ErrOutOfMemory, "no free block can hold %d bytes at alignment %d", size, alignment)
	}

	err = a.metadata.Alloc(request, nil)
	if err != nil {
		return 0, err
	}

	offset := int(request.BlockAllocationHandle) - 1
	a.logger.Debug("Arena::Alloc",
		slog.Int("RequestedSize", size),
		slog.Int("BlockSize", request.Size),
		slog.Int("Offset", offset),
	)

	return offset, nil
}

// Free releases the allocation at the provided offset and merges the freed block with
// its buddy for as long as the buddy is also free. The offset must be one previously
// returned by Alloc and not yet freed: anything else- a misaligned offset, an offset
// outside the arena, an interior offset, or a double free- fails with
// buddyheap.ErrInvalidFree and leaves the arena untouched.
func (a *Arena) Free(offset int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if offset < 0 || offset >= a.metadata.Size() {
		return errors.Wrapf(buddyheap.ErrInvalidFree, "offset %d is outside the arena", offset)
	}
	if offset%a.PageSize() != 0 {
		return errors.Wrapf(buddyheap.ErrInvalidFree, "offset %d is not page-aligned", offset)
	}

	err := a.metadata.Free(metadata.BlockAllocationHandle(offset + 1))
	if err != nil {
		return err
	}

	a.logger.Debug("Arena::Free", slog.Int("Offset", offset))

	return nil
}

// Bytes returns the backing bytes of the live allocation at the provided offset. The
// slice covers the full reserved block, which may be larger than the size originally
// requested. It remains valid until the allocation is freed.
func (a *Arena) Bytes(offset int) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if offset < 0 || offset >= a.metadata.Size() || offset%a.PageSize() != 0 {
		return nil, errors.Wrapf(buddyheap.ErrInvalidFree, "offset %d is not a valid allocation offset", offset)
	}

	size, err := a.metadata.AllocationSize(metadata.BlockAllocationHandle(offset + 1))
	if err != nil {
		return nil, err
	}

	return a.memory[offset : offset+size : offset+size], nil
}

// AllocationUserData returns the userdata attached to the live allocation at offset.
func (a *Arena) AllocationUserData(offset int) (any, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.AllocationUserData(metadata.BlockAllocationHandle(offset + 1))
}

// SetAllocationUserData attaches an arbitrary userdata value to the live allocation
// at offset.
func (a *Arena) SetAllocationUserData(offset int, userData any) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.metadata.SetAllocationUserData(metadata.BlockAllocationHandle(offset+1), userData)
}

// FreeCounts reports, for each order from the page order to the arena order, the number
// of free blocks currently on that order's free list. Read-only.
func (a *Arena) FreeCounts() []metadata.OrderFreeCount {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.FreeCounts()
}

// Stats returns a basic accounting summary for the arena.
func (a *Arena) Stats() buddyheap.Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats buddyheap.Statistics
	stats.Clear()
	a.metadata.AddStatistics(&stats)
	return stats
}

// DetailedStats returns an extended accounting summary for the arena. It walks the full
// block partition and so is more expensive than Stats.
func (a *Arena) DetailedStats() buddyheap.DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats buddyheap.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)
	return stats
}

// AllocationCount returns the number of live allocations in the arena.
func (a *Arena) AllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.AllocationCount()
}

// IsEmpty returns true when the arena has no live allocations.
func (a *Arena) IsEmpty() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.IsEmpty()
}

// Validate performs a full structural audit of the arena's metadata. When the allocator
// is functioning correctly it cannot fail, but it may assist in diagnosing misuse.
func (a *Arena) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.Validate()
}

// Reset instantly frees every allocation and returns the arena to its initial state: a
// single free block of the arena order. Offsets handed out before a Reset must not be
// freed after it.
func (a *Arena) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.metadata.Clear()
	a.logger.Debug("Arena::Reset")
}

// PrintDetailedMap writes a JSON report of the arena to the provided writer: summary
// statistics, per-order free-list occupancy, and one entry per region of the block
// partition in ascending offset order.
func (a *Arena) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	a.metadata.BlockJsonData(objState)

	arrayState := objState.Name("Regions").Array()
	defer arrayState.End()

	_ = a.metadata.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("FREE")
			} else {
				obj.Name("Type").String("ALLOCATED")
			}

			return nil
		})
}

// DebugLogAllAllocations writes one debug log line per live allocation to the arena's
// logger.
func (a *Arena) DebugLogAllAllocations() {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.metadata.DebugLogAllAllocations(a.logger, func(log *slog.Logger, offset int, size int, userData any) {
		log.Debug("Arena::Allocation", slog.Int("Offset", offset), slog.Int("Size", size))
	})
}
