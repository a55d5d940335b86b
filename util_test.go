package buddyheap_test

import (
	"testing"

	"github.com/memquarry/buddyheap"
	"github.com/stretchr/testify/require"
)

func TestSizeToOrder(t *testing.T) {
	require.Equal(t, 0, buddyheap.SizeToOrder(1))
	require.Equal(t, 1, buddyheap.SizeToOrder(2))
	require.Equal(t, 2, buddyheap.SizeToOrder(3))
	require.Equal(t, 2, buddyheap.SizeToOrder(4))
	require.Equal(t, 3, buddyheap.SizeToOrder(5))
	require.Equal(t, 12, buddyheap.SizeToOrder(4096))
	require.Equal(t, 13, buddyheap.SizeToOrder(4097))

	for order := 0; order < 30; order++ {
		size := buddyheap.OrderSize(order)
		require.Equal(t, order, buddyheap.SizeToOrder(size))
	}
}

func TestBuddyOffset(t *testing.T) {
	require.Equal(t, 4096, buddyheap.BuddyOffset(0, 12))
	require.Equal(t, 0, buddyheap.BuddyOffset(4096, 12))
	require.Equal(t, 8192, buddyheap.BuddyOffset(0, 13))
	require.Equal(t, 12288, buddyheap.BuddyOffset(8192, 12))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, buddyheap.CheckPow2(1, "value"))
	require.NoError(t, buddyheap.CheckPow2(4096, "value"))

	err := buddyheap.CheckPow2(100, "value")
	require.ErrorIs(t, err, buddyheap.PowerOfTwoError)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, buddyheap.AlignUp(0, 4096))
	require.Equal(t, 4096, buddyheap.AlignUp(1, 4096))
	require.Equal(t, 4096, buddyheap.AlignUp(4096, 4096))
	require.Equal(t, 8192, buddyheap.AlignUp(4097, 4096))

	require.Equal(t, 0, buddyheap.AlignDown(4095, 4096))
	require.Equal(t, 4096, buddyheap.AlignDown(4097, 4096))
}
