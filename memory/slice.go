package memory

import (
	"github.com/vkngwrapper/arsenal/kernrt/storage"
)

// Slice is a pool's record of one logical allocation: the window it occupies, the pool's own
// handle to it, and the bytes past the window that are reserved but unused
type Slice struct {
	Storage storage.Handle
	Handle  *SliceHandle
	Padding int
}

func newSlice(handle storage.Handle, padding int) *Slice {
	return &Slice{
		Storage: handle,
		Handle:  newSliceHandle(),
		Padding: padding,
	}
}

func (s *Slice) ID() SliceID {
	return s.Handle.ID()
}

// IsFree reports whether nobody outside the pool holds the slice
func (s *Slice) IsFree() bool {
	return s.Handle.IsFree()
}

// EffectiveSize is the number of bytes the slice takes out of its page
func (s *Slice) EffectiveSize() int {
	return s.Storage.Size() + s.Padding
}
