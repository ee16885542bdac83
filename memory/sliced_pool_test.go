package memory

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
)

func newTestSlicedPool(t *testing.T, options PoolOptions) *SlicedPool {
	pool, err := NewSlicedPool(testLogger(), 16, options)
	require.NoError(t, err)
	return pool
}

func requireWindow(t *testing.T, pool Pool, handle *SliceHandle, offset, size int) storage.Handle {
	window, ok := pool.Get(handle.ID())
	require.True(t, ok)
	require.Equal(t, storage.Utilization{Offset: offset, Size: size}, window.Utilization)
	return window
}

func TestSlicedPool_SplitAndReuse(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 256, MaxSliceSize: 128})

	first, err := pool.Alloc(s, 40)
	require.NoError(t, err)
	firstWindow := requireWindow(t, pool, first, 0, 40)
	require.NoError(t, pool.Validate())

	usage := pool.MemoryUsage()
	require.Equal(t, 1, usage.NumberAllocs)
	require.Equal(t, 40, usage.BytesInUse)
	require.Equal(t, 8, usage.BytesPadding)
	require.Equal(t, 256, usage.BytesReserved)

	second := pool.TryReserve(100)
	require.NotNil(t, second)
	secondWindow := requireWindow(t, pool, second, 48, 100)
	require.Equal(t, firstWindow.ID, secondWindow.ID)
	require.NoError(t, pool.Validate())

	// 96 bytes remain at the end of the page
	require.Nil(t, pool.TryReserve(100))

	first.Release()
	third := pool.TryReserve(32)
	require.NotNil(t, third)
	requireWindow(t, pool, third, 0, 32)
	require.NoError(t, pool.Validate())

	var stats memutils.Statistics
	stats.Clear()
	pool.AddStatistics(&stats)
	require.Equal(t, 1, stats.PageCount)
	require.Equal(t, 2, stats.SliceCount)
	require.Equal(t, 2, stats.FreeSliceCount)
	require.Equal(t, 16, stats.FreeSizeMin)
	require.Equal(t, 96, stats.FreeSizeMax)

	require.Equal(t, 1, s.BufferCount())
}

func TestSlicedPool_MergesFreeNeighbours(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 256, MaxSliceSize: 256})

	var handles []*SliceHandle
	first, err := pool.Alloc(s, 64)
	require.NoError(t, err)
	handles = append(handles, first)
	for i := 0; i < 3; i++ {
		handle := pool.TryReserve(64)
		require.NotNil(t, handle)
		handles = append(handles, handle)
	}
	require.Nil(t, pool.TryReserve(1))

	for _, handle := range handles {
		handle.Release()
	}

	whole := pool.TryReserve(256)
	require.NotNil(t, whole)
	requireWindow(t, pool, whole, 0, 256)
	require.NoError(t, pool.Validate())
	require.Equal(t, 1, pool.PageCount())

	// Merged-away slices no longer resolve
	for _, handle := range handles {
		if handle.ID() == whole.ID() {
			continue
		}
		_, ok := pool.Get(handle.ID())
		require.False(t, ok)
	}
}

func TestSlicedPool_NewPageWhenFull(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 128, MaxSliceSize: 128})

	first, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	require.Nil(t, pool.TryReserve(100))

	second, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	require.Equal(t, 2, pool.PageCount())

	firstWindow, _ := pool.Get(first.ID())
	secondWindow, _ := pool.Get(second.ID())
	require.NotEqual(t, firstWindow.ID, secondWindow.ID)
	require.False(t, firstWindow.Overlaps(secondWindow))

	second.Release()
	reused := pool.TryReserve(64)
	require.NotNil(t, reused)
	reusedWindow := requireWindow(t, pool, reused, 0, 64)
	require.Equal(t, secondWindow.ID, reusedWindow.ID)
}

func TestSlicedPool_CleanupHysteresis(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 256, MaxSliceSize: 128, DeallocPeriod: 5, IdleThreshold: 5})

	a, err := pool.Alloc(s, 32)
	require.NoError(t, err)
	b := pool.TryReserve(32)
	require.NotNil(t, b)

	a.Release()
	// A page is only idle once every slice on it is free
	for allocNr := uint64(1); allocNr <= 6; allocNr++ {
		pool.Cleanup(s, allocNr)
		require.Equal(t, 1, pool.PageCount())
	}
	b.Release()

	// The new page starts one check short of the threshold and the reuse bought one more
	pool.Cleanup(s, 7)
	require.Equal(t, 1, pool.PageCount())

	pool.Cleanup(s, 8)
	require.Equal(t, 0, pool.PageCount())
	require.Equal(t, 0, s.BufferCount())
	require.NoError(t, pool.Validate())
}

func TestSlicedPool_SizeClass(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 256, MaxSliceSize: 128})

	require.True(t, pool.HandlesAlloc(0))
	require.True(t, pool.HandlesAlloc(128))
	require.False(t, pool.HandlesAlloc(129))
	require.Nil(t, pool.TryReserve(129))
	require.Panics(t, func() { _, _ = pool.Alloc(s, 129) })

	_, err := NewSlicedPool(testLogger(), 16, PoolOptions{PageSize: 64, MaxSliceSize: 128})
	require.Error(t, err)

	_, err = NewSlicedPool(testLogger(), 0, PoolOptions{PageSize: 64, MaxSliceSize: 64})
	require.True(t, errors.Is(err, memutils.AlignmentError))
	_, err = NewSlicedPool(testLogger(), 24, PoolOptions{PageSize: 64, MaxSliceSize: 64})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestSlicedPool_ZeroSizedSlices(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 64, MaxSliceSize: 64})

	a, err := pool.Alloc(s, 0)
	require.NoError(t, err)
	b := pool.TryReserve(0)
	require.NotNil(t, b)

	aWindow := requireWindow(t, pool, a, 0, 0)
	bWindow := requireWindow(t, pool, b, 16, 0)
	require.Equal(t, aWindow.ID, bWindow.ID)
	require.NoError(t, pool.Validate())
}

func TestSlicedPool_Destroy(t *testing.T) {
	s := newTestStorage(t, 16, 0)
	pool := newTestSlicedPool(t, PoolOptions{PageSize: 256, MaxSliceSize: 128})

	leaked, err := pool.Alloc(s, 32)
	require.NoError(t, err)

	require.Error(t, pool.Destroy(s))
	require.Equal(t, 0, pool.PageCount())
	require.Equal(t, 0, s.BufferCount())
	leaked.Release()
}

func TestSlicedPool_Strategy(t *testing.T) {
	cases := map[memutils.AllocationStrategy]int{
		memutils.AllocationStrategyMinTime:   32,
		memutils.AllocationStrategyMinMemory: 192,
	}

	for strategy, expectedOffset := range cases {
		t.Run(strategy.String(), func(t *testing.T) {
			s := newTestStorage(t, 16, 0)
			pool := newTestSlicedPool(t, PoolOptions{PageSize: 256, MaxSliceSize: 256, Strategy: strategy})

			first, err := pool.Alloc(s, 32)
			require.NoError(t, err)
			middle := pool.TryReserve(128)
			require.NotNil(t, middle)
			last := pool.TryReserve(32)
			require.NotNil(t, last)
			requireWindow(t, pool, last, 160, 32)

			// Free ranges are now [32, 160) and [192, 256)
			middle.Release()

			handle := pool.TryReserve(48)
			require.NotNil(t, handle)
			requireWindow(t, pool, handle, expectedOffset, 48)
			require.NoError(t, pool.Validate())

			first.Release()
			last.Release()
			handle.Release()
			require.NoError(t, pool.Destroy(s))
		})
	}

	_, err := NewSlicedPool(testLogger(), 16, PoolOptions{PageSize: 256, MaxSliceSize: 256, Strategy: 7})
	require.Error(t, err)
}
