package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrOutOfMemory is returned, wrapped, when a backend could not satisfy a coarse allocation. Callers
// of a pool receive it unchanged; nothing in this module retries.
var ErrOutOfMemory = errors.New("out of device memory")

// ID identifies one coarse buffer allocated from a Storage
type ID uint64

// Utilization is the window of a coarse buffer that a single slice occupies
type Utilization struct {
	Offset int
	Size   int
}

// End is the first byte past the window
func (u Utilization) End() int {
	return u.Offset + u.Size
}

// Handle describes a window into a coarse buffer. Handles are values: narrowing a slice produces
// a new Handle rather than changing an existing one.
type Handle struct {
	ID          ID
	Utilization Utilization
}

func (h Handle) Offset() int { return h.Utilization.Offset }
func (h Handle) Size() int   { return h.Utilization.Size }

// Narrow returns a handle over the first size bytes of this handle's window
func (h Handle) Narrow(size int) Handle {
	if size > h.Utilization.Size {
		panic(fmt.Sprintf("attempted to narrow a storage handle of size %d to %d", h.Utilization.Size, size))
	}
	return Handle{ID: h.ID, Utilization: Utilization{Offset: h.Utilization.Offset, Size: size}}
}

// Split returns two handles: the first offset bytes of this window, and the remainder
func (h Handle) Split(offset int) (Handle, Handle) {
	if offset < 0 || offset > h.Utilization.Size {
		panic(fmt.Sprintf("attempted to split a storage handle of size %d at %d", h.Utilization.Size, offset))
	}
	left := Handle{ID: h.ID, Utilization: Utilization{Offset: h.Utilization.Offset, Size: offset}}
	right := Handle{ID: h.ID, Utilization: Utilization{Offset: h.Utilization.Offset + offset, Size: h.Utilization.Size - offset}}
	return left, right
}

// Overlaps reports whether both handles touch at least one common byte of the same buffer
func (h Handle) Overlaps(other Handle) bool {
	if h.ID != other.ID || h.Utilization.Size == 0 || other.Utilization.Size == 0 {
		return false
	}
	return h.Utilization.Offset < other.Utilization.End() && other.Utilization.Offset < h.Utilization.End()
}

func (h Handle) String() string {
	return fmt.Sprintf("buffer %d [%d, %d)", h.ID, h.Utilization.Offset, h.Utilization.End())
}

// Storage is a device memory primitive: it hands out coarse buffers and takes them back. It does
// no pooling of its own.
type Storage interface {
	// Alignment is the offset alignment every window into a buffer must respect
	Alignment() int
	// Alloc allocates a new buffer and returns a handle covering all of it
	Alloc(size int) (Handle, error)
	// Dealloc physically frees a buffer. Deallocating an unknown id panics.
	Dealloc(id ID)
}

// Counters tracks the coarse allocations a Storage currently holds
type Counters struct {
	bufferCount int32
	bufferBytes int64
	nextID      uint64
}

// BufferCount is the number of live coarse buffers
func (c *Counters) BufferCount() int {
	return int(atomic.LoadInt32(&c.bufferCount))
}

// BufferBytes is the total size of live coarse buffers
func (c *Counters) BufferBytes() int {
	return int(atomic.LoadInt64(&c.bufferBytes))
}

func (c *Counters) newID() ID {
	return ID(atomic.AddUint64(&c.nextID, 1))
}

// reserve accounts for a new buffer of size bytes. When limit is above zero, the reservation
// fails with ErrOutOfMemory if it would take the live total past limit.
func (c *Counters) reserve(size, limit int) error {
	for {
		current := atomic.LoadInt64(&c.bufferBytes)
		target := current + int64(size)

		if limit > 0 && target > int64(limit) {
			return errors.Wrapf(ErrOutOfMemory, "allocating %d bytes with %d of %d bytes in use", size, current, limit)
		}

		if atomic.CompareAndSwapInt64(&c.bufferBytes, current, target) {
			break
		}
	}

	atomic.AddInt32(&c.bufferCount, 1)
	return nil
}

func (c *Counters) release(size int) {
	newBytes := atomic.AddInt64(&c.bufferBytes, int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("storage byte count went negative: %d", newBytes))
	}

	newCount := atomic.AddInt32(&c.bufferCount, -1)
	if newCount < 0 {
		panic(fmt.Sprintf("storage buffer count went negative: %d", newCount))
	}
}
