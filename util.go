package buddyheap

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// SizeToOrder returns the smallest order whose block size is at least size bytes-
// that is, ceil(log2(size)). size must be at least 1.
func SizeToOrder(size int) int {
	return bits.Len(uint(size - 1))
}

// OrderSize returns the size in bytes of a block of the provided order.
func OrderSize(order int) int {
	return 1 << order
}

// BuddyOffset maps a block's offset and order to the offset of its buddy- the
// other half of the order+1 block the two were last split from. The two offsets
// differ by exactly the bit corresponding to the block size, so the relation is
// symmetric at every order. Offsets are relative to the arena base.
func BuddyOffset(offset int, order int) int {
	return offset ^ (1 << order)
}
