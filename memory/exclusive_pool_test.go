package memory

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func newTestStorage(t *testing.T, alignment, limit int) *storage.BytesStorage {
	s, err := storage.NewBytesStorage(testLogger(), storage.BytesOptions{Alignment: alignment, Limit: limit})
	require.NoError(t, err)
	return s
}

func newTestExclusivePool(t *testing.T, alignment int, options PoolOptions) *ExclusivePool {
	pool, err := NewExclusivePool(testLogger(), alignment, options)
	require.NoError(t, err)
	return pool
}

func TestExclusivePool_ReuseSmallerRequest(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{})

	first, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	firstStorage, ok := pool.Get(first.ID())
	require.True(t, ok)

	// 100 * 1.35 rounded up to the alignment
	usage := pool.MemoryUsage()
	require.Equal(t, 1, usage.NumberAllocs)
	require.Equal(t, 100, usage.BytesInUse)
	require.Equal(t, 36, usage.BytesPadding)
	require.Equal(t, 136, usage.BytesReserved)

	first.Release()
	require.Equal(t, 0, pool.MemoryUsage().NumberAllocs)

	second := pool.TryReserve(90)
	require.NotNil(t, second)
	require.Equal(t, first.ID(), second.ID())

	secondStorage, ok := pool.Get(second.ID())
	require.True(t, ok)
	require.Equal(t, firstStorage.ID, secondStorage.ID)
	require.Equal(t, storage.Utilization{Offset: 0, Size: 90}, secondStorage.Utilization)

	usage = pool.MemoryUsage()
	require.Equal(t, 1, usage.NumberAllocs)
	require.Equal(t, 90, usage.BytesInUse)
	require.Equal(t, 136-90, usage.BytesPadding)
	require.Equal(t, 136, usage.BytesReserved)
	require.Equal(t, 1, s.BufferCount())
	require.NoError(t, pool.Validate())
}

func TestExclusivePool_BestFit(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{})

	var handles []*SliceHandle
	for _, size := range []int{300, 100, 200} {
		handle, err := pool.Alloc(s, size)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	bufferOf := func(handle *SliceHandle) storage.ID {
		h, ok := pool.Get(handle.ID())
		require.True(t, ok)
		return h.ID
	}
	page300 := bufferOf(handles[0])
	page100 := bufferOf(handles[1])
	page200 := bufferOf(handles[2])

	for _, handle := range handles {
		handle.Release()
	}

	// Pages are 408, 136 and 272 bytes: 150 best fits the 272 byte page
	reserved := pool.TryReserve(150)
	require.NotNil(t, reserved)
	require.Equal(t, page200, bufferOf(reserved))

	// 272 is taken now, so 140 goes to the 408 byte page rather than failing
	next := pool.TryReserve(140)
	require.NotNil(t, next)
	require.Equal(t, page300, bufferOf(next))

	small := pool.TryReserve(136)
	require.NotNil(t, small)
	require.Equal(t, page100, bufferOf(small))

	// Nothing free remains
	require.Nil(t, pool.TryReserve(1))
	require.Equal(t, 3, s.BufferCount())
}

func TestExclusivePool_TryReserveLargerThanAnyPage(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{})

	require.Nil(t, pool.TryReserve(1))

	handle, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	handle.Release()

	require.Nil(t, pool.TryReserve(137))
	require.NotNil(t, pool.TryReserve(136))
}

func TestExclusivePool_BindingBlocksReuse(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{})

	handle, err := pool.Alloc(s, 64)
	require.NoError(t, err)

	binding := handle.Binding()
	handle.Release()
	require.Nil(t, pool.TryReserve(64))

	binding.Release()
	require.NotNil(t, pool.TryReserve(64))
}

func TestExclusivePool_CleanupFreshPage(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	// A dealloc period equal to the idle threshold checks on every reservation
	pool := newTestExclusivePool(t, 4, PoolOptions{DeallocPeriod: 5, IdleThreshold: 5})

	handle, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	require.NoError(t, pool.Validate())
	handle.Release()

	pool.Cleanup(s, 1)
	require.Equal(t, 0, pool.PageCount())
	require.Equal(t, 0, s.BufferCount())
	require.Equal(t, 0, pool.MemoryUsage().BytesReserved)
}

func TestExclusivePool_CleanupHysteresis(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{DeallocPeriod: 5, IdleThreshold: 5})

	handle, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	handle.Release()

	// Every reuse buys the page one more idle check
	for i := 0; i < 4; i++ {
		handle = pool.TryReserve(100)
		require.NotNil(t, handle)
		handle.Release()
	}

	for allocNr := uint64(1); allocNr <= 4; allocNr++ {
		pool.Cleanup(s, allocNr)
		require.Equal(t, 1, pool.PageCount(), "page was freed after %d checks", allocNr)
		require.NoError(t, pool.Validate())
	}

	pool.Cleanup(s, 5)
	require.Equal(t, 0, pool.PageCount())
	require.Equal(t, 0, s.BufferCount())
}

func TestExclusivePool_CleanupSkipsUsedPages(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{DeallocPeriod: 5, IdleThreshold: 5})

	handle, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	handle.Release()

	handle = pool.TryReserve(100)
	require.NotNil(t, handle)
	handle.Release()
	handle = pool.TryReserve(100)
	require.NotNil(t, handle)

	// Checks that find the page in use leave its count alone
	for allocNr := uint64(1); allocNr <= 10; allocNr++ {
		pool.Cleanup(s, allocNr)
		require.Equal(t, 1, pool.PageCount())
	}
	handle.Release()

	pool.Cleanup(s, 11)
	pool.Cleanup(s, 12)
	require.Equal(t, 1, pool.PageCount())

	pool.Cleanup(s, 13)
	require.Equal(t, 0, pool.PageCount())
}

func TestExclusivePool_CleanupIsRateLimited(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{DeallocPeriod: 100, IdleThreshold: 5})

	handle, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	handle.Release()

	// Checks happen at most once per 20 reservations
	for allocNr := uint64(1); allocNr < 20; allocNr++ {
		pool.Cleanup(s, allocNr)
	}
	require.Equal(t, 1, pool.PageCount())

	pool.Cleanup(s, 20)
	require.Equal(t, 0, pool.PageCount())
}

func TestExclusivePool_SizeClass(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{MinAllocSize: 64, MaxAllocSize: 1024})

	require.False(t, pool.HandlesAlloc(63))
	require.True(t, pool.HandlesAlloc(64))
	require.True(t, pool.HandlesAlloc(1023))
	require.False(t, pool.HandlesAlloc(1024))

	require.Panics(t, func() { _, _ = pool.Alloc(s, 32) })
}

func TestNewExclusivePool_Alignment(t *testing.T) {
	_, err := NewExclusivePool(testLogger(), 0, PoolOptions{})
	require.True(t, errors.Is(err, memutils.AlignmentError))

	_, err = NewExclusivePool(testLogger(), 12, PoolOptions{})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestExclusivePool_OutOfMemory(t *testing.T) {
	s := newTestStorage(t, 4, 200)
	pool := newTestExclusivePool(t, 4, PoolOptions{})

	_, err := pool.Alloc(s, 100)
	require.NoError(t, err)

	_, err = pool.Alloc(s, 100)
	require.Error(t, err)
	require.True(t, errors.Is(err, storage.ErrOutOfMemory))
	require.Equal(t, 1, pool.PageCount())
}

func TestExclusivePool_ReleaseFreeAndDestroy(t *testing.T) {
	s := newTestStorage(t, 4, 0)
	pool := newTestExclusivePool(t, 4, PoolOptions{})

	kept, err := pool.Alloc(s, 100)
	require.NoError(t, err)
	dropped, err := pool.Alloc(s, 200)
	require.NoError(t, err)
	dropped.Release()

	require.Equal(t, 1, pool.ReleaseFree(s))
	require.Equal(t, 1, s.BufferCount())

	_, ok := pool.Get(dropped.ID())
	require.False(t, ok)

	err = pool.Destroy(s)
	require.Error(t, err)
	require.Equal(t, 0, s.BufferCount())

	// Releasing a handle after its pool is gone is still allowed
	kept.Release()
}
