package memory

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
	"golang.org/x/exp/slog"
)

// MemoryManagement routes reservations to the pool whose size class holds them and drives the
// periodic cleanup of every pool. It is not safe for concurrent use: the compute server that owns
// it serializes every call.
type MemoryManagement struct {
	logger  *slog.Logger
	storage storage.Storage
	pools   []Pool

	allocCount uint64
}

func NewMemoryManagement(logger *slog.Logger, storage storage.Storage, options CreateOptions) (*MemoryManagement, error) {
	logger = utils.LoggerOrDiscard(logger)

	if storage == nil {
		return nil, errors.New("attempted to create a MemoryManagement without a storage")
	}
	if len(options.Pools) == 0 {
		return nil, errors.New("CreateOptions.Pools must hold at least one pool")
	}

	management := &MemoryManagement{
		logger:  logger,
		storage: storage,
	}

	for index, poolOptions := range options.Pools {
		var pool Pool
		var err error

		switch poolOptions.Kind {
		case PoolExclusive:
			pool, err = NewExclusivePool(logger, storage.Alignment(), poolOptions)
		case PoolSliced:
			pool, err = NewSlicedPool(logger, storage.Alignment(), poolOptions)
		default:
			err = errors.Newf("unknown pool kind %d", poolOptions.Kind)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "creating pool %d", index)
		}

		management.pools = append(management.pools, pool)
	}

	return management, nil
}

func (m *MemoryManagement) Storage() storage.Storage {
	return m.storage
}

func (m *MemoryManagement) Pools() []Pool {
	return m.pools
}

// AllocCount is the number of reservations made so far
func (m *MemoryManagement) AllocCount() uint64 {
	return m.allocCount
}

func (m *MemoryManagement) poolFor(size int) (Pool, error) {
	for _, pool := range m.pools {
		if pool.HandlesAlloc(size) {
			return pool, nil
		}
	}
	return nil, errors.Wrapf(ErrNoPool, "reserving %d bytes", size)
}

// Reserve returns a handle to a slice of at least size bytes, reusing a free slice when one of
// the right size class exists. Out-of-memory failures from the storage are returned as is.
func (m *MemoryManagement) Reserve(size int) (*SliceHandle, error) {
	if size < 0 {
		panic(fmt.Sprintf("attempted to reserve %d bytes", size))
	}

	pool, err := m.poolFor(size)
	if err != nil {
		return nil, err
	}

	m.allocCount++

	handle := pool.TryReserve(size)
	if handle == nil {
		handle, err = pool.Alloc(m.storage, size)
		if err != nil {
			return nil, err
		}
	}

	for _, pool := range m.pools {
		pool.Cleanup(m.storage, m.allocCount)
	}

	memutils.DebugValidate(m)

	return handle, nil
}

// Get returns the storage window a binding currently refers to
func (m *MemoryManagement) Get(binding *SliceBinding) (storage.Handle, bool) {
	id := binding.ID()
	for _, pool := range m.pools {
		handle, ok := pool.Get(id)
		if ok {
			return handle, true
		}
	}
	return storage.Handle{}, false
}

// Cleanup runs the periodic idle check. An explicit cleanup releases every free page at once.
func (m *MemoryManagement) Cleanup(explicit bool) {
	if !explicit {
		for _, pool := range m.pools {
			pool.Cleanup(m.storage, m.allocCount)
		}
		return
	}

	released := 0
	for _, pool := range m.pools {
		released += pool.ReleaseFree(m.storage)
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MemoryManagement::Cleanup released free pages",
		slog.Int("pages", released),
	)
}

func (m *MemoryManagement) MemoryUsage() memutils.MemoryUsage {
	var usage memutils.MemoryUsage
	for _, pool := range m.pools {
		usage = usage.Combine(pool.MemoryUsage())
	}
	return usage
}

func (m *MemoryManagement) CalculateStatistics() memutils.Statistics {
	var stats memutils.Statistics
	stats.Clear()
	for _, pool := range m.pools {
		pool.AddStatistics(&stats)
	}
	return stats
}

// BuildStatsString renders the usage of every pool as json. A detailed string also lists every
// page and slice.
func (m *MemoryManagement) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	root := writer.Object()

	total := root.Name("Total").Object()
	m.MemoryUsage().WriteJson(&total)
	stats := m.CalculateStatistics()
	stats.WriteJson(&total)
	total.End()

	pools := root.Name("Pools").Array()
	for _, pool := range m.pools {
		poolObj := pools.Object()
		poolObj.Name("Kind").String(pool.Kind().String())
		pool.MemoryUsage().WriteJson(&poolObj)

		if detailed {
			detailedMap := poolObj.Name("DetailedMap").Object()
			pool.PrintDetailedMap(&detailedMap)
			detailedMap.End()
		}
		poolObj.End()
	}
	pools.End()

	root.End()
	return string(writer.Bytes())
}

func (m *MemoryManagement) Validate() error {
	for index, pool := range m.pools {
		err := pool.Validate()
		if err != nil {
			return errors.Wrapf(err, "pool %d (%s)", index, pool.Kind())
		}
	}
	return nil
}

// Destroy deallocates every page of every pool. Slices that were never released are logged and
// reported, but their memory is deallocated all the same.
func (m *MemoryManagement) Destroy() error {
	var result *multierror.Error
	for index, pool := range m.pools {
		err := pool.Destroy(m.storage)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "pool %d (%s)", index, pool.Kind()))
		}
	}
	m.pools = nil
	return result.ErrorOrNil()
}
