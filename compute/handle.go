package compute

import (
	"fmt"
	"strings"

	"github.com/vkngwrapper/arsenal/kernrt/memory"
)

// Access describes how a kernel uses a bound buffer
type Access int32

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) String() string {
	if a == 0 {
		return "None"
	}

	var names []string
	if a&AccessRead != 0 {
		names = append(names, "Read")
	}
	if a&AccessWrite != 0 {
		names = append(names, "Write")
	}
	if rest := a &^ AccessReadWrite; rest != 0 {
		names = append(names, fmt.Sprintf("Access(%#x)", int32(rest)))
	}
	return strings.Join(names, "|")
}

// Handle owns a device buffer. The buffer's slice becomes reusable once the handle and every
// binding taken from it have been released.
type Handle struct {
	slice *memory.SliceHandle
	size  int
}

// NewHandle takes ownership of slice, which holds size usable bytes
func NewHandle(slice *memory.SliceHandle, size int) *Handle {
	return &Handle{slice: slice, size: size}
}

func (h *Handle) Slice() *memory.SliceHandle {
	return h.slice
}

// Size is the number of bytes requested when the buffer was created
func (h *Handle) Size() int {
	return h.size
}

// Binding takes a binding on the buffer for one device operation. Ownership of the binding passes
// to the channel the operation is issued through.
func (h *Handle) Binding(access Access) *Binding {
	return &Binding{
		Memory: h.slice.Binding(),
		Size:   h.size,
		Access: access,
	}
}

// Release drops the handle's reference to the buffer
func (h *Handle) Release() {
	h.slice.Release()
}

func (h *Handle) String() string {
	return fmt.Sprintf("handle of %d bytes to %s", h.size, h.slice)
}

// Binding refers to a buffer for the duration of one device operation
type Binding struct {
	Memory *memory.SliceBinding
	Size   int
	Access Access
}

// Release ends the binding. Servers release the bindings they are handed once the device has
// retired the operation that uses them.
func (b *Binding) Release() {
	b.Memory.Release()
}

func (b *Binding) String() string {
	return fmt.Sprintf("%s (%d bytes, %s)", b.Memory, b.Size, b.Access)
}

// ReleaseBindings releases every binding in the list
func ReleaseBindings(bindings ...*Binding) {
	for _, binding := range bindings {
		if binding != nil {
			binding.Release()
		}
	}
}
