package utils

import (
	"sync"
)

// OptionalMutex is a mutex whose locking is decided when the owning component is built. Components
// that are only ever driven from one goroutine leave Enabled unset and pay nothing.
type OptionalMutex struct {
	mutex   sync.Mutex
	Enabled bool
}

func (m *OptionalMutex) Lock() {
	if m.Enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
	}
}

// With runs f while holding the mutex
func (m *OptionalMutex) With(f func()) {
	m.Lock()
	defer m.Unlock()

	f()
}

// OptionalRWMutex is the reader/writer version of OptionalMutex
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	Enabled bool
}

func (m *OptionalRWMutex) Lock() {
	if m.Enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.Enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.Enabled {
		m.mutex.RUnlock()
	}
}
