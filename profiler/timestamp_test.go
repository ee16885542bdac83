package profiler

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestTimestampProfiler_StartStop(t *testing.T) {
	profiler := NewTimestampProfiler(nil, true)
	require.True(t, profiler.IsEmpty())

	token := profiler.Start()
	require.False(t, profiler.IsEmpty())

	duration, err := profiler.Stop(token)
	require.NoError(t, err)
	require.GreaterOrEqual(t, duration, time.Duration(0))
	require.Less(t, duration, time.Minute)
	require.True(t, profiler.IsEmpty())

	_, err = profiler.Stop(token)
	require.True(t, errors.Is(err, ErrNotRegistered))
}

func TestTimestampProfiler_InjectedClock(t *testing.T) {
	now := time.Unix(1000, 0)
	profiler := NewTimestampProfiler(func() time.Time { return now }, false)

	first := profiler.Start()
	now = now.Add(3 * time.Millisecond)
	second := profiler.Start()
	now = now.Add(2 * time.Millisecond)

	require.NotEqual(t, first, second)

	duration, err := profiler.Stop(second)
	require.NoError(t, err)
	require.Equal(t, 2*time.Millisecond, duration)

	duration, err = profiler.Stop(first)
	require.NoError(t, err)
	require.Equal(t, 5*time.Millisecond, duration)
}

func TestTimestampProfiler_ErrorPoisonsOpenTokens(t *testing.T) {
	profiler := NewTimestampProfiler(nil, false)
	deviceLost := errors.New("device lost")

	first := profiler.Start()
	second := profiler.Start()
	profiler.Error(deviceLost)
	third := profiler.Start()

	_, err := profiler.Stop(first)
	require.Equal(t, deviceLost, err)
	_, err = profiler.Stop(second)
	require.Equal(t, deviceLost, err)

	// Tokens started after the failure are unaffected
	_, err = profiler.Stop(third)
	require.NoError(t, err)

	_, err = profiler.Stop(first)
	require.True(t, errors.Is(err, ErrNotRegistered))
}

func TestTimestampProfiler_UnknownToken(t *testing.T) {
	profiler := NewTimestampProfiler(nil, false)
	_, err := profiler.Stop(Token{ID: 42})
	require.True(t, errors.Is(err, ErrNotRegistered))
}

func TestTimestampProfiler_ZeroTokenIsNeverIssued(t *testing.T) {
	profiler := NewTimestampProfiler(nil, false)

	token := profiler.Start()
	require.NotEqual(t, Token{}, token)

	_, err := profiler.Stop(Token{})
	require.True(t, errors.Is(err, ErrNotRegistered))
	require.False(t, profiler.IsEmpty())

	_, err = profiler.Stop(token)
	require.NoError(t, err)
}
