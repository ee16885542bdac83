package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
)

// ErrNoPool is returned when no configured pool handles a requested size
var ErrNoPool = errors.New("no memory pool handles the requested size")

// Pool decides which coarse buffer backs each requested slice. Pools are not safe for concurrent
// use: the owner must serialize every call.
type Pool interface {
	Kind() PoolKind
	// HandlesAlloc reports whether size falls in this pool's size class
	HandlesAlloc(size int) bool
	// TryReserve returns a handle to a reused slice of at least size bytes, or nil when the pool
	// must allocate
	TryReserve(size int) *SliceHandle
	// Alloc allocates new device memory and returns a handle to a slice of size bytes carved from it
	Alloc(storage storage.Storage, size int) (*SliceHandle, error)
	// Cleanup runs the periodic idle check and deallocates pages that stayed free long enough
	Cleanup(storage storage.Storage, allocNr uint64)
	// ReleaseFree deallocates every page that is free right now and returns how many it released
	ReleaseFree(storage storage.Storage) int
	// Get returns the current storage window of a slice
	Get(id SliceID) (storage.Handle, bool)
	MemoryUsage() memutils.MemoryUsage
	AddStatistics(stats *memutils.Statistics)
	PrintDetailedMap(json *jwriter.ObjectState)
	Validate() error
	// Destroy deallocates every page. Slices still referenced outside the pool are logged and
	// reported in the returned error, but their pages are deallocated anyway.
	Destroy(storage storage.Storage) error
}
