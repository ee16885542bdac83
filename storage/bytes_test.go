package storage

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func TestBytesStorage_AllocDealloc(t *testing.T) {
	s, err := NewBytesStorage(testLogger(), BytesOptions{Alignment: 32})
	require.NoError(t, err)
	require.Equal(t, 32, s.Alignment())

	first, err := s.Alloc(128)
	require.NoError(t, err)
	second, err := s.Alloc(64)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, Utilization{Offset: 0, Size: 128}, first.Utilization)
	require.Equal(t, 2, s.BufferCount())
	require.Equal(t, 192, s.BufferBytes())
	require.ElementsMatch(t, []ID{first.ID, second.ID}, s.BufferIDs())

	s.Dealloc(first.ID)
	require.Equal(t, 1, s.BufferCount())
	require.Equal(t, 64, s.BufferBytes())

	require.Panics(t, func() { s.Dealloc(first.ID) })
}

func TestBytesStorage_ResourceWindow(t *testing.T) {
	s, err := NewBytesStorage(testLogger(), BytesOptions{})
	require.NoError(t, err)

	handle, err := s.Alloc(16)
	require.NoError(t, err)

	_, window := handle.Split(8)
	bytes := s.Resource(window.Narrow(4))
	require.Len(t, bytes, 4)
	copy(bytes, []byte{1, 2, 3, 4})

	whole := s.Resource(handle)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 0, 0, 0, 0}, whole)

	// Appending to a window must not spill into the rest of the buffer
	bytes = append(bytes, 9)
	require.Equal(t, byte(0), whole[12])
}

func TestBytesStorage_Limit(t *testing.T) {
	s, err := NewBytesStorage(testLogger(), BytesOptions{Limit: 100})
	require.NoError(t, err)

	_, err = s.Alloc(60)
	require.NoError(t, err)

	_, err = s.Alloc(60)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, 1, s.BufferCount())
	require.Equal(t, 60, s.BufferBytes())
}

func TestBytesStorage_BadAlignment(t *testing.T) {
	_, err := NewBytesStorage(testLogger(), BytesOptions{Alignment: 12})
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = NewBytesStorage(testLogger(), BytesOptions{Alignment: -8})
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.AlignmentError))
}

func TestHandleOverlaps(t *testing.T) {
	a := Handle{ID: 1, Utilization: Utilization{Offset: 0, Size: 64}}
	b := Handle{ID: 1, Utilization: Utilization{Offset: 64, Size: 64}}
	c := Handle{ID: 1, Utilization: Utilization{Offset: 32, Size: 64}}
	d := Handle{ID: 2, Utilization: Utilization{Offset: 0, Size: 64}}

	require.False(t, a.Overlaps(b))
	require.True(t, a.Overlaps(c))
	require.True(t, c.Overlaps(b))
	require.False(t, a.Overlaps(d))
	require.Panics(t, func() { a.Narrow(65) })
}
