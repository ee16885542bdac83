package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceHandle_RefCounting(t *testing.T) {
	owner := newSliceHandle()
	require.True(t, owner.IsFree())
	require.Equal(t, 1, owner.RefCount())

	user := owner.Clone()
	require.False(t, owner.IsFree())
	require.Equal(t, user.ID(), owner.ID())

	second := user.Clone()
	require.Equal(t, 3, owner.RefCount())

	user.Release()
	require.False(t, owner.IsFree())
	second.Release()
	require.True(t, owner.IsFree())
}

func TestSliceHandle_DoubleReleasePanics(t *testing.T) {
	owner := newSliceHandle()
	user := owner.Clone()
	user.Release()

	require.True(t, user.Released())
	require.Panics(t, func() { user.Release() })
	require.Panics(t, func() { user.Clone() })
	require.True(t, owner.IsFree())
}

func TestSliceBinding_KeepsSliceInUse(t *testing.T) {
	owner := newSliceHandle()
	user := owner.Clone()

	binding := user.Binding()
	require.Equal(t, owner.ID(), binding.ID())

	// The user is done with the slice, but the device may still be reading it
	user.Release()
	require.False(t, owner.IsFree())

	binding.Release()
	require.True(t, owner.IsFree())
	require.Panics(t, func() { binding.Release() })
}

func TestSliceIDsAreUnique(t *testing.T) {
	seen := map[SliceID]struct{}{}
	for i := 0; i < 100; i++ {
		id := newSliceHandle().ID()
		_, duplicate := seen[id]
		require.False(t, duplicate)
		seen[id] = struct{}{}
	}
}
