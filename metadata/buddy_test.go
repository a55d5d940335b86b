package metadata_test

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memquarry/buddyheap"
	"github.com/memquarry/buddyheap/metadata"
	"github.com/stretchr/testify/require"
)

const (
	testMinOrder = 12
	testMaxOrder = 20
	testPageSize = 1 << testMinOrder
	testSize     = 1 << testMaxOrder
)

func newTestMetadata(t *testing.T) *metadata.BuddyBlockMetadata {
	t.Helper()

	buddy := metadata.NewBuddyBlockMetadata(testMinOrder)
	buddy.Init(testSize)
	require.NoError(t, buddy.Validate())

	return buddy
}

func mustAlloc(t *testing.T, buddy *metadata.BuddyBlockMetadata, size int) int {
	t.Helper()

	success, req, err := buddy.CreateAllocationRequest(size, 1)
	require.NoError(t, err)
	require.True(t, success)

	err = buddy.Alloc(req, nil)
	require.NoError(t, err)

	offset, err := buddy.AllocationOffset(req.BlockAllocationHandle)
	require.NoError(t, err)
	return offset
}

func mustFree(t *testing.T, buddy *metadata.BuddyBlockMetadata, offset int) {
	t.Helper()

	err := buddy.Free(metadata.BlockAllocationHandle(offset + 1))
	require.NoError(t, err)
}

func freeCountByOrder(buddy *metadata.BuddyBlockMetadata) map[int]int {
	counts := map[int]int{}
	for _, count := range buddy.FreeCounts() {
		if count.FreeCount > 0 {
			counts[count.Order] = count.FreeCount
		}
	}
	return counts
}

func TestBuddyBasicAllocFree(t *testing.T) {
	buddy := newTestMetadata(t)

	var stats buddyheap.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, buddyheap.DetailedStatistics{
		Statistics: buddyheap.Statistics{
			ArenaCount:      1,
			ArenaBytes:      testSize,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  testSize,
		FreeRangeSizeMax:  testSize,
	}, stats)

	offset := mustAlloc(t, buddy, testPageSize)
	require.Equal(t, 0, offset)
	require.NoError(t, buddy.Validate())

	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, buddyheap.DetailedStatistics{
		Statistics: buddyheap.Statistics{
			ArenaCount:      1,
			ArenaBytes:      testSize,
			AllocationCount: 1,
			AllocationBytes: testPageSize,
		},
		// One free buddy left behind at every order from the page order to one
		// below the arena order
		FreeRangeCount:    testMaxOrder - testMinOrder,
		AllocationSizeMin: testPageSize,
		AllocationSizeMax: testPageSize,
		FreeRangeSizeMin:  testPageSize,
		FreeRangeSizeMax:  testSize / 2,
	}, stats)

	mustFree(t, buddy, offset)
	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())

	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, buddyheap.DetailedStatistics{
		Statistics: buddyheap.Statistics{
			ArenaCount:      1,
			ArenaBytes:      testSize,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  testSize,
		FreeRangeSizeMax:  testSize,
	}, stats)
}

func TestBuddySplitAndMergeCascade(t *testing.T) {
	buddy := newTestMetadata(t)

	// A single-page allocation splits every order from the arena order down,
	// leaving exactly one free buddy at each intermediate order
	offset := mustAlloc(t, buddy, 1)
	require.Equal(t, 0, offset)

	expected := map[int]int{}
	for order := testMinOrder; order < testMaxOrder; order++ {
		expected[order] = 1
	}
	require.Equal(t, expected, freeCountByOrder(buddy))

	// Freeing it merges the same chain back together
	mustFree(t, buddy, offset)
	require.Equal(t, map[int]int{testMaxOrder: 1}, freeCountByOrder(buddy))
	require.NoError(t, buddy.Validate())
}

func TestBuddySequentialPageAllocs(t *testing.T) {
	buddy := newTestMetadata(t)

	first := mustAlloc(t, buddy, testPageSize)
	require.Equal(t, 0, first)

	// The second page comes from the buddy the first split left behind
	second := mustAlloc(t, buddy, testPageSize)
	require.Equal(t, testPageSize, second)

	require.Equal(t, 2, buddy.AllocationCount())
	require.Equal(t, testSize-2*testPageSize, buddy.SumFreeSize())

	mustFree(t, buddy, first)
	require.NoError(t, buddy.Validate())

	// The pair only coalesces once both halves are free
	require.Equal(t, 1, freeCountByOrder(buddy)[testMinOrder])

	mustFree(t, buddy, second)
	require.Equal(t, map[int]int{testMaxOrder: 1}, freeCountByOrder(buddy))
}

func TestBuddyMinimumGranularity(t *testing.T) {
	buddy := newTestMetadata(t)

	for _, size := range []int{1, 2, 3, 100, testPageSize - 1, testPageSize} {
		success, req, err := buddy.CreateAllocationRequest(size, 1)
		require.NoError(t, err)
		require.True(t, success)
		require.Equal(t, testPageSize, req.Size)

		err = buddy.Alloc(req, nil)
		require.NoError(t, err)

		allocSize, err := buddy.AllocationSize(req.BlockAllocationHandle)
		require.NoError(t, err)
		require.Equal(t, testPageSize, allocSize)

		err = buddy.Free(req.BlockAllocationHandle)
		require.NoError(t, err)
	}
}

func TestBuddySizeRounding(t *testing.T) {
	buddy := newTestMetadata(t)

	success, req, err := buddy.CreateAllocationRequest(testPageSize+1, 1)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 2*testPageSize, req.Size)

	err = buddy.Alloc(req, nil)
	require.NoError(t, err)

	offset, err := buddy.AllocationOffset(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 0, offset%(2*testPageSize))
}

func TestBuddyAlignment(t *testing.T) {
	buddy := newTestMetadata(t)

	// Force the natural candidate for an aligned allocation to be taken
	mustAlloc(t, buddy, testPageSize)

	success, req, err := buddy.CreateAllocationRequest(100, 1<<14)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 1<<14, req.Size)

	err = buddy.Alloc(req, nil)
	require.NoError(t, err)

	offset, err := buddy.AllocationOffset(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 0, offset%(1<<14))
	require.NoError(t, buddy.Validate())
}

func TestBuddyInvalidRequests(t *testing.T) {
	buddy := newTestMetadata(t)

	_, _, err := buddy.CreateAllocationRequest(0, 1)
	require.Error(t, err)

	_, _, err = buddy.CreateAllocationRequest(-5, 1)
	require.Error(t, err)

	_, _, err = buddy.CreateAllocationRequest(100, 3)
	require.Error(t, err)
	require.ErrorIs(t, err, buddyheap.PowerOfTwoError)

	// Too large to ever satisfy- fails without an error
	success, _, err := buddy.CreateAllocationRequest(testSize+1, 1)
	require.NoError(t, err)
	require.False(t, success)
}

func TestBuddyExhaustion(t *testing.T) {
	buddy := newTestMetadata(t)

	offset := mustAlloc(t, buddy, testSize)
	require.Equal(t, 0, offset)

	success, _, err := buddy.CreateAllocationRequest(testSize, 1)
	require.NoError(t, err)
	require.False(t, success)

	// Even a single page is refused while the whole arena is taken
	success, _, err = buddy.CreateAllocationRequest(1, 1)
	require.NoError(t, err)
	require.False(t, success)

	mustFree(t, buddy, offset)

	success, _, err = buddy.CreateAllocationRequest(testSize, 1)
	require.NoError(t, err)
	require.True(t, success)
}

func TestBuddyInvalidFree(t *testing.T) {
	buddy := newTestMetadata(t)

	err := buddy.Free(metadata.BlockAllocationHandle(testPageSize + 1))
	require.Error(t, err)
	require.True(t, errors.Is(err, buddyheap.ErrInvalidFree))

	offset := mustAlloc(t, buddy, testPageSize)
	mustFree(t, buddy, offset)

	// Double free
	err = buddy.Free(metadata.BlockAllocationHandle(offset + 1))
	require.Error(t, err)
	require.True(t, errors.Is(err, buddyheap.ErrInvalidFree))
	require.NoError(t, buddy.Validate())
}

func TestBuddyStaleRequest(t *testing.T) {
	buddy := newTestMetadata(t)

	success, req, err := buddy.CreateAllocationRequest(testSize, 1)
	require.NoError(t, err)
	require.True(t, success)

	// The free block named by the request is claimed before the request commits
	mustAlloc(t, buddy, testPageSize)

	err = buddy.Alloc(req, nil)
	require.Error(t, err)
	require.NoError(t, buddy.Validate())
}

func TestBuddyOffsetSymmetry(t *testing.T) {
	for order := testMinOrder; order < testMaxOrder; order++ {
		for offset := 0; offset < testSize; offset += 1 << order {
			buddy := buddyheap.BuddyOffset(offset, order)
			require.NotEqual(t, offset, buddy)
			require.Equal(t, offset, buddyheap.BuddyOffset(buddy, order))
			require.Equal(t, 1<<order, max(offset, buddy)-min(offset, buddy))
		}
	}
}

func TestBuddyVisitAllRegions(t *testing.T) {
	buddy := newTestMetadata(t)

	first := mustAlloc(t, buddy, testPageSize)
	second := mustAlloc(t, buddy, 3*testPageSize)

	nextOffset := 0
	totalSize := 0
	allocated := map[int]int{}
	err := buddy.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		require.Equal(t, nextOffset, offset)
		require.Equal(t, 0, offset%size)
		nextOffset = offset + size
		totalSize += size

		if !free {
			allocated[offset] = size
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, testSize, totalSize)
	require.Equal(t, map[int]int{first: testPageSize, second: 4 * testPageSize}, allocated)
}

func TestBuddyUserData(t *testing.T) {
	buddy := newTestMetadata(t)

	success, req, err := buddy.CreateAllocationRequest(testPageSize, 1)
	require.NoError(t, err)
	require.True(t, success)

	err = buddy.Alloc(req, "first")
	require.NoError(t, err)

	userData, err := buddy.AllocationUserData(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, "first", userData)

	err = buddy.SetAllocationUserData(req.BlockAllocationHandle, 42)
	require.NoError(t, err)

	userData, err = buddy.AllocationUserData(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 42, userData)

	err = buddy.Free(req.BlockAllocationHandle)
	require.NoError(t, err)

	_, err = buddy.AllocationUserData(req.BlockAllocationHandle)
	require.Error(t, err)
}

func TestBuddyClear(t *testing.T) {
	buddy := newTestMetadata(t)

	for i := 0; i < 10; i++ {
		mustAlloc(t, buddy, testPageSize)
	}
	require.Equal(t, 10, buddy.AllocationCount())

	buddy.Clear()
	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, testSize, buddy.SumFreeSize())
	require.Equal(t, map[int]int{testMaxOrder: 1}, freeCountByOrder(buddy))
}

func TestBuddyRandomRoundTrip(t *testing.T) {
	buddy := newTestMetadata(t)
	rng := rand.New(rand.NewSource(42))

	live := map[int]int{}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			// Free a random live allocation
			var offset int
			pick := rng.Intn(len(live))
			for candidate := range live {
				if pick == 0 {
					offset = candidate
					break
				}
				pick--
			}

			mustFree(t, buddy, offset)
			delete(live, offset)
		} else {
			size := 1 + rng.Intn(4*testPageSize)
			success, req, err := buddy.CreateAllocationRequest(size, 1)
			require.NoError(t, err)
			if !success {
				continue
			}

			err = buddy.Alloc(req, nil)
			require.NoError(t, err)

			offset, err := buddy.AllocationOffset(req.BlockAllocationHandle)
			require.NoError(t, err)

			// No overlap with any other live allocation
			for other, otherSize := range live {
				require.True(t, offset+req.Size <= other || other+otherSize <= offset,
					"allocation [%d, %d) overlaps live allocation [%d, %d)",
					offset, offset+req.Size, other, other+otherSize)
			}

			live[offset] = req.Size
		}

		if i%100 == 0 {
			require.NoError(t, buddy.Validate())
		}
	}

	require.NoError(t, buddy.Validate())

	// Freeing everything must coalesce back to a single arena-order block
	for offset := range live {
		mustFree(t, buddy, offset)
	}

	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, map[int]int{testMaxOrder: 1}, freeCountByOrder(buddy))
}

func TestBuddyBlockJsonData(t *testing.T) {
	buddy := newTestMetadata(t)
	mustAlloc(t, buddy, testPageSize)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	buddy.BlockJsonData(obj)
	obj.End()
	require.NoError(t, writer.Error())

	var report struct {
		TotalBytes   int
		UnusedBytes  int
		Allocations  int
		UnusedRanges int
		FreeLists    []struct {
			Order     int
			BlockSize int
			Count     int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &report))

	require.Equal(t, testSize, report.TotalBytes)
	require.Equal(t, testSize-testPageSize, report.UnusedBytes)
	require.Equal(t, 1, report.Allocations)
	require.Equal(t, testMaxOrder-testMinOrder, report.UnusedRanges)
	require.Len(t, report.FreeLists, testMaxOrder-testMinOrder+1)
	require.Equal(t, testMinOrder, report.FreeLists[0].Order)
	require.Equal(t, testPageSize, report.FreeLists[0].BlockSize)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
