package memory

import (
	"fmt"
	"sync/atomic"
)

// SliceID uniquely identifies a slice for the lifetime of the process
type SliceID uint64

var nextSliceID uint64

func newSliceID() SliceID {
	return SliceID(atomic.AddUint64(&nextSliceID, 1))
}

type sliceRef struct {
	id    SliceID
	count atomic.Int64
}

// SliceHandle is one owning reference to a slice. Every clone shares a single reference count,
// and the pool that created the slice keeps one clone of its own: the slice may be reused once
// that clone is the only one left. Each clone must be released exactly once.
type SliceHandle struct {
	ref      *sliceRef
	released atomic.Bool
}

func newSliceHandle() *SliceHandle {
	ref := &sliceRef{id: newSliceID()}
	ref.count.Store(1)
	return &SliceHandle{ref: ref}
}

func (h *SliceHandle) ID() SliceID {
	return h.ref.id
}

// Clone returns a new owning reference to the same slice
func (h *SliceHandle) Clone() *SliceHandle {
	if h.released.Load() {
		panic(fmt.Sprintf("attempted to clone slice %d through a released handle", h.ref.id))
	}

	h.ref.count.Add(1)
	return &SliceHandle{ref: h.ref}
}

// Release drops this reference. Releasing the same handle twice panics.
func (h *SliceHandle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("slice %d handle was released twice", h.ref.id))
	}

	count := h.ref.count.Add(-1)
	if count < 0 {
		panic(fmt.Sprintf("slice %d reference count went negative", h.ref.id))
	}
}

// IsFree reports whether this is the last live reference to the slice
func (h *SliceHandle) IsFree() bool {
	return h.ref.count.Load() == 1
}

// RefCount is the number of live references to the slice, the pool's own included
func (h *SliceHandle) RefCount() int {
	return int(h.ref.count.Load())
}

// Released reports whether Release has been called on this handle
func (h *SliceHandle) Released() bool {
	return h.released.Load()
}

// Binding takes a binding on the slice for the duration of one device operation
func (h *SliceHandle) Binding() *SliceBinding {
	return &SliceBinding{handle: h.Clone()}
}

func (h *SliceHandle) String() string {
	return fmt.Sprintf("slice %d (%d refs)", h.ref.id, h.ref.count.Load())
}

// SliceBinding lets a device operation look up a slice's storage. It cannot resize, replace or
// free the slice, but it does keep the slice from being reused until it is released, so it must
// be held until the device has retired the operation that uses it.
type SliceBinding struct {
	handle *SliceHandle
}

func (b *SliceBinding) ID() SliceID {
	return b.handle.ID()
}

// Release ends the binding. Releasing a binding twice panics.
func (b *SliceBinding) Release() {
	b.handle.Release()
}

func (b *SliceBinding) String() string {
	return fmt.Sprintf("binding of %s", b.handle)
}
