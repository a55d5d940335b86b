package buddyheap

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrInvalidSize is the error returned from allocation methods when the requested size is not a positive
// number of bytes
var ErrInvalidSize error = errors.New("requested size must be a positive number of bytes")

// ErrOutOfRange is the error returned from allocation methods when the requested size is larger than the
// entire arena and so can never be satisfied
var ErrOutOfRange error = errors.New("requested size exceeds the arena size")

// ErrOutOfMemory is the error returned from allocation methods when no free block of sufficient order
// is currently available. The caller may retry after freeing memory- the allocator performs no retries
// of its own.
var ErrOutOfMemory error = errors.New("no free block is large enough to satisfy the request")

// ErrInvalidFree is the error returned from free methods when the provided offset does not name a live
// allocation- it may be misaligned, out of bounds, never allocated, or already freed.
var ErrInvalidFree error = errors.New("offset does not name a live allocation")
