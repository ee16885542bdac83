package storage

import (
	"context"
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"golang.org/x/exp/slog"
)

// BytesOptions configures a BytesStorage
type BytesOptions struct {
	// Alignment is the offset alignment reported to pools. It must be a power of two; zero
	// selects 4 bytes.
	Alignment int
	// Limit is the most bytes the storage will hold at once. Zero is unlimited.
	Limit int
	// Synchronized guards the buffer index with a lock, for storages shared between goroutines
	Synchronized bool
}

// BytesStorage is a Storage backed by host memory. It is the reference backend for the host
// compute server and for tests.
type BytesStorage struct {
	Counters

	logger    *slog.Logger
	alignment int
	limit     int

	mutex   utils.OptionalRWMutex
	buffers *swiss.Map[ID, []byte]
}

var _ Storage = &BytesStorage{}

func NewBytesStorage(logger *slog.Logger, options BytesOptions) (*BytesStorage, error) {
	alignment := options.Alignment
	if alignment == 0 {
		alignment = 4
	}

	err := memutils.CheckAlignment(alignment, "BytesOptions.Alignment")
	if err != nil {
		return nil, err
	}

	return &BytesStorage{
		logger:    utils.LoggerOrDiscard(logger),
		alignment: alignment,
		limit:     options.Limit,
		mutex:     utils.OptionalRWMutex{Enabled: options.Synchronized},
		buffers:   swiss.NewMap[ID, []byte](16),
	}, nil
}

func (s *BytesStorage) Alignment() int {
	return s.alignment
}

func (s *BytesStorage) Alloc(size int) (Handle, error) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate a buffer of %d bytes", size))
	}

	err := s.reserve(size, s.limit)
	if err != nil {
		return Handle{}, err
	}

	id := s.newID()

	s.mutex.Lock()
	s.buffers.Put(id, make([]byte, size))
	s.mutex.Unlock()

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "BytesStorage::Alloc",
		slog.Uint64("id", uint64(id)),
		slog.Int("size", size),
	)

	return Handle{ID: id, Utilization: Utilization{Offset: 0, Size: size}}, nil
}

func (s *BytesStorage) Dealloc(id ID) {
	s.mutex.Lock()
	buffer, ok := s.buffers.Get(id)
	if ok {
		s.buffers.Delete(id)
	}
	s.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("attempted to deallocate unknown buffer %d", id))
	}

	s.release(len(buffer))

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "BytesStorage::Dealloc",
		slog.Uint64("id", uint64(id)),
		slog.Int("size", len(buffer)),
	)
}

// Resource returns exactly the bytes that handle's window covers. The returned slice aliases the
// buffer and stays valid until the buffer is deallocated.
func (s *BytesStorage) Resource(handle Handle) []byte {
	s.mutex.RLock()
	buffer, ok := s.buffers.Get(handle.ID)
	s.mutex.RUnlock()

	if !ok {
		panic(fmt.Sprintf("attempted to resolve unknown %s", handle))
	}

	if handle.Utilization.End() > len(buffer) {
		panic(fmt.Sprintf("%s is out of range for a buffer of %d bytes", handle, len(buffer)))
	}

	start := handle.Utilization.Offset
	end := handle.Utilization.End()
	return buffer[start:end:end]
}

// BufferIDs lists every live buffer
func (s *BytesStorage) BufferIDs() []ID {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]ID, 0, s.buffers.Count())
	s.buffers.Iter(func(id ID, _ []byte) bool {
		ids = append(ids, id)
		return false
	})
	return ids
}
