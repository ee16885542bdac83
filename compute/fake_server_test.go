package compute

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/kernrt/kernel"
	"github.com/vkngwrapper/arsenal/kernrt/memory"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/profiler"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

type testKernel string

// recordingServer runs every operation immediately and records the order operations arrive in
type recordingServer struct {
	memory   *memory.MemoryManagement
	profiler *profiler.TimestampProfiler

	lock    sync.Mutex
	ops     []string
	data    map[memory.SliceID][]byte
	closed  bool
	execErr error
}

var _ Server[testKernel] = &recordingServer{}

func newRecordingServer(t *testing.T) *recordingServer {
	bytes, err := storage.NewBytesStorage(testLogger(), storage.BytesOptions{Alignment: 4})
	require.NoError(t, err)

	management, err := memory.NewMemoryManagement(testLogger(), bytes, memory.ExclusiveOnlyOptions(memory.DefaultDeallocPeriod))
	require.NoError(t, err)

	return &recordingServer{
		memory:   management,
		profiler: profiler.NewTimestampProfiler(nil, false),
		data:     make(map[memory.SliceID][]byte),
	}
}

func (s *recordingServer) record(op string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.ops = append(s.ops, op)
}

func (s *recordingServer) Ops() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]string(nil), s.ops...)
}

func (s *recordingServer) Create(data []byte) (*Handle, error) {
	handle, err := s.Empty(len(data))
	if err != nil {
		return nil, err
	}
	s.data[handle.Slice().ID()] = append([]byte(nil), data...)
	return handle, nil
}

func (s *recordingServer) Empty(size int) (*Handle, error) {
	s.record("empty")
	slice, err := s.memory.Reserve(size)
	if err != nil {
		return nil, err
	}
	return NewHandle(slice, size), nil
}

func (s *recordingServer) Read(ctx context.Context, binding *Binding) ([]byte, error) {
	defer binding.Release()
	s.record("read")
	return append([]byte(nil), s.data[binding.Memory.ID()]...), nil
}

func (s *recordingServer) Write(binding *Binding, data []byte) error {
	defer binding.Release()
	s.record("write")
	s.data[binding.Memory.ID()] = append([]byte(nil), data...)
	return nil
}

func (s *recordingServer) Execute(k testKernel, count CubeCount, bindings []*Binding, mode kernel.ExecutionMode) error {
	defer ReleaseBindings(bindings...)
	s.record("execute " + string(k))
	return s.execErr
}

func (s *recordingServer) Flush() error {
	s.record("flush")
	return nil
}

func (s *recordingServer) Sync(ctx context.Context) error {
	s.record("sync")
	return nil
}

func (s *recordingServer) MemoryUsage() memutils.MemoryUsage {
	return s.memory.MemoryUsage()
}

func (s *recordingServer) MemoryStats(detailed bool) string {
	return s.memory.BuildStatsString(detailed)
}

func (s *recordingServer) MemoryCleanup() {
	s.record("cleanup")
	s.memory.Cleanup(true)
}

func (s *recordingServer) StartProfile() profiler.Token {
	return s.profiler.Start()
}

func (s *recordingServer) EndProfile(ctx context.Context, token profiler.Token) (time.Duration, error) {
	return s.profiler.Stop(token)
}

func (s *recordingServer) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return errors.New("server closed twice")
	}
	s.closed = true
	return s.memory.Destroy()
}
