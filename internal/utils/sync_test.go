package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalMutex_Enabled(t *testing.T) {
	m := OptionalMutex{Enabled: true}
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.With(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}

func TestOptionalMutex_Disabled(t *testing.T) {
	m := OptionalMutex{}
	m.Lock()
	// A disabled mutex never blocks, even when locked twice
	m.Lock()
	m.Unlock()
	m.Unlock()

	rw := OptionalRWMutex{}
	rw.Lock()
	rw.RLock()
	rw.RUnlock()
	rw.Unlock()
}

func TestLoggerOrDiscard(t *testing.T) {
	logger := LoggerOrDiscard(nil)
	require.NotNil(t, logger)
	logger.Info("dropped")
}
