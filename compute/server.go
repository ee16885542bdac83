package compute

import (
	"context"
	"time"

	"github.com/vkngwrapper/arsenal/kernrt/kernel"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/profiler"
)

// Server owns one logical device: its memory pools, its compiled kernel cache and its command
// stream. A server is not safe for concurrent use. Every call is serialized by the Channel the
// server is placed behind.
//
// Bindings handed to Read, Write and Execute belong to the server from that point on, whether or
// not the call succeeds.
type Server[K any] interface {
	// Create allocates a buffer holding a copy of data
	Create(data []byte) (*Handle, error)
	// Empty allocates an uninitialized buffer of size bytes
	Empty(size int) (*Handle, error)
	// Read waits for every operation issued before it and returns the contents of the buffer
	Read(ctx context.Context, binding *Binding) ([]byte, error)
	// Write replaces the contents of the buffer after every operation issued before it
	Write(binding *Binding, data []byte) error
	// Execute enqueues a kernel launch. It returns before the device runs the kernel.
	Execute(k K, count CubeCount, bindings []*Binding, mode kernel.ExecutionMode) error
	// Flush submits every queued operation to the device
	Flush() error
	// Sync waits for the device to retire every operation issued so far and returns the first
	// device failure since the last Sync
	Sync(ctx context.Context) error

	MemoryUsage() memutils.MemoryUsage
	// MemoryStats renders the device's memory pools as json, page by page when detailed is set
	MemoryStats(detailed bool) string
	// MemoryCleanup releases every page that is not in use
	MemoryCleanup()

	StartProfile() profiler.Token
	// EndProfile waits for the device and returns the time elapsed since StartProfile
	EndProfile(ctx context.Context, token profiler.Token) (time.Duration, error)

	Close() error
}
