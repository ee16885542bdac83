package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/kernel"
	"github.com/vkngwrapper/arsenal/kernrt/memory"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/profiler"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
	"golang.org/x/exp/slog"
)

var ErrServerClosed = errors.New("host server is closed")

// task is one operation in the device's command stream. The device releases a task's bindings
// once it has run.
type task struct {
	name     string
	run      func() error
	bindings []*compute.Binding
	done     chan struct{}
}

// Server is a compute.Server that runs kernels on the host. It behaves like an asynchronous
// device: operations are queued on the issuing goroutine and run, in order, by a worker goroutine
// that plays the part of the device's command stream.
type Server struct {
	logger  *slog.Logger
	options CreateOptions

	storage  *storage.BytesStorage
	memory   *memory.MemoryManagement
	programs *kernel.Cache[Program]
	profiler *profiler.TimestampProfiler

	pending     []task
	submissions chan []task
	workerDone  chan struct{}
	closed      bool

	errLock   sync.Mutex
	deviceErr error
}

var _ compute.Server[Kernel] = &Server{}

func NewServer(logger *slog.Logger, options CreateOptions) (*Server, error) {
	logger = utils.LoggerOrDiscard(logger)
	options = options.withDefaults()

	bytes, err := storage.NewBytesStorage(logger, storage.BytesOptions{
		Alignment: options.Alignment,
		Limit:     options.StorageLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating host storage")
	}

	management, err := memory.NewMemoryManagement(logger, bytes, options.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "creating host memory management")
	}

	server := &Server{
		logger:      logger,
		options:     options,
		storage:     bytes,
		memory:      management,
		programs:    kernel.NewCache[Program](logger, false),
		profiler:    profiler.NewTimestampProfiler(nil, true),
		submissions: make(chan []task, options.SubmitDepth),
		workerDone:  make(chan struct{}),
	}
	go server.work()

	return server, nil
}

func (s *Server) Storage() *storage.BytesStorage {
	return s.storage
}

func (s *Server) Memory() *memory.MemoryManagement {
	return s.memory
}

func (s *Server) Programs() *kernel.Cache[Program] {
	return s.programs
}

func (s *Server) work() {
	defer close(s.workerDone)

	for batch := range s.submissions {
		for _, t := range batch {
			if t.run != nil {
				err := t.run()
				if err != nil {
					s.fail(errors.Wrapf(err, "running %s", t.name))
				}
			}

			compute.ReleaseBindings(t.bindings...)
			if t.done != nil {
				close(t.done)
			}
		}
	}
}

// fail records a device failure. The first failure is kept until the next Sync, and every open
// profile is poisoned with it.
func (s *Server) fail(err error) {
	s.errLock.Lock()
	if s.deviceErr == nil {
		s.deviceErr = err
	}
	s.errLock.Unlock()

	s.profiler.Error(err)

	s.logger.LogAttrs(context.Background(), slog.LevelError, "Server::work device failure",
		slog.String("error", err.Error()),
	)
}

func (s *Server) takeDeviceErr() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()

	err := s.deviceErr
	s.deviceErr = nil
	return err
}

func (s *Server) enqueue(t task) error {
	if s.closed {
		compute.ReleaseBindings(t.bindings...)
		return ErrServerClosed
	}

	s.pending = append(s.pending, t)
	if len(s.pending) >= s.options.MaxBatchSize {
		return s.Flush()
	}
	return nil
}

// fence queues an empty task and returns a channel that is closed once the device reaches it
func (s *Server) fence() (<-chan struct{}, error) {
	done := make(chan struct{})
	err := s.enqueue(task{name: "fence", done: done})
	if err != nil {
		return nil, err
	}

	err = s.Flush()
	if err != nil {
		return nil, err
	}
	return done, nil
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve returns the bytes each binding refers to
func (s *Server) resolve(bindings []*compute.Binding) ([][]byte, error) {
	buffers := make([][]byte, 0, len(bindings))
	for index, binding := range bindings {
		handle, ok := s.memory.Get(binding.Memory)
		if !ok {
			return nil, errors.Newf("binding %d (%s) does not refer to a live slice", index, binding)
		}

		resource := s.storage.Resource(handle)
		if binding.Size > len(resource) {
			panic(fmt.Sprintf("binding %d is %d bytes but its slice only holds %d", index, binding.Size, len(resource)))
		}
		buffers = append(buffers, resource[:binding.Size:binding.Size])
	}
	return buffers, nil
}

func (s *Server) Create(data []byte) (*compute.Handle, error) {
	handle, err := s.Empty(len(data))
	if err != nil {
		return nil, err
	}

	err = s.Write(handle.Binding(compute.AccessWrite), data)
	if err != nil {
		handle.Release()
		return nil, err
	}
	return handle, nil
}

func (s *Server) Empty(size int) (*compute.Handle, error) {
	if s.closed {
		return nil, ErrServerClosed
	}

	slice, err := s.memory.Reserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving %d bytes", size)
	}
	return compute.NewHandle(slice, size), nil
}

func (s *Server) Read(ctx context.Context, binding *compute.Binding) ([]byte, error) {
	buffers, err := s.resolve([]*compute.Binding{binding})
	if err != nil {
		compute.ReleaseBindings(binding)
		return nil, err
	}

	out := make([]byte, binding.Size)
	done := make(chan struct{})
	err = s.enqueue(task{
		name: "read",
		run: func() error {
			copy(out, buffers[0])
			return nil
		},
		bindings: []*compute.Binding{binding},
		done:     done,
	})
	if err != nil {
		return nil, err
	}

	err = s.Flush()
	if err != nil {
		return nil, err
	}

	err = wait(ctx, done)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) Write(binding *compute.Binding, data []byte) error {
	if len(data) > binding.Size {
		compute.ReleaseBindings(binding)
		return errors.Newf("attempted to write %d bytes to a binding of %d bytes", len(data), binding.Size)
	}

	buffers, err := s.resolve([]*compute.Binding{binding})
	if err != nil {
		compute.ReleaseBindings(binding)
		return err
	}

	payload := append([]byte(nil), data...)
	return s.enqueue(task{
		name: "write",
		run: func() error {
			copy(buffers[0], payload)
			return nil
		},
		bindings: []*compute.Binding{binding},
	})
}

func (s *Server) Execute(k Kernel, count compute.CubeCount, bindings []*compute.Binding, mode kernel.ExecutionMode) error {
	id := k.ID().WithMode(mode)
	program, err := s.programs.FetchOrInsert(id, func() (Program, error) {
		return k.Compile(mode)
	})
	if err != nil {
		compute.ReleaseBindings(bindings...)
		return err
	}

	buffers, err := s.resolve(bindings)
	if err != nil {
		compute.ReleaseBindings(bindings...)
		return err
	}

	return s.enqueue(task{
		name: id.TypeName(),
		run: func() error {
			return program.Run(count, buffers)
		},
		bindings: bindings,
	})
}

// Flush hands every queued operation to the device
func (s *Server) Flush() error {
	if s.closed {
		return ErrServerClosed
	}
	if len(s.pending) == 0 {
		return nil
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "Server::Flush",
		slog.Int("tasks", len(s.pending)),
	)

	s.submissions <- s.pending
	s.pending = nil
	return nil
}

func (s *Server) Sync(ctx context.Context) error {
	done, err := s.fence()
	if err != nil {
		return err
	}

	err = wait(ctx, done)
	if err != nil {
		return err
	}
	return s.takeDeviceErr()
}

func (s *Server) MemoryUsage() memutils.MemoryUsage {
	return s.memory.MemoryUsage()
}

func (s *Server) MemoryStats(detailed bool) string {
	return s.memory.BuildStatsString(detailed)
}

func (s *Server) MemoryCleanup() {
	s.memory.Cleanup(true)
}

// StartProfile begins measuring. Operations already queued count toward the measurement. A closed
// server hands out the zero token, which EndProfile rejects.
func (s *Server) StartProfile() profiler.Token {
	if s.closed {
		return profiler.Token{}
	}

	err := s.Flush()
	if err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "Server::StartProfile could not flush",
			slog.String("error", err.Error()),
		)
	}
	return s.profiler.Start()
}

func (s *Server) EndProfile(ctx context.Context, token profiler.Token) (time.Duration, error) {
	done, err := s.fence()
	if err != nil {
		return 0, err
	}

	err = wait(ctx, done)
	if err != nil {
		return 0, err
	}
	return s.profiler.Stop(token)
}

// Close waits for the device to go idle and frees every buffer. A device failure that was never
// returned by Sync is returned here, along with any slices that were never released.
func (s *Server) Close() error {
	if s.closed {
		return ErrServerClosed
	}

	err := s.Flush()
	if err != nil {
		return err
	}
	s.closed = true
	close(s.submissions)
	<-s.workerDone

	var result *multierror.Error
	deviceErr := s.takeDeviceErr()
	if deviceErr != nil {
		result = multierror.Append(result, deviceErr)
	}

	err = s.memory.Destroy()
	if err != nil {
		result = multierror.Append(result, err)
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "Server::Close",
		slog.Int("programs", s.programs.Len()),
		slog.Uint64("cacheHits", s.programs.Hits()),
		slog.Int("buffers", s.storage.BufferCount()),
	)
	s.programs.Clear()

	return result.ErrorOrNil()
}

// NewClient builds a host server and places it behind a channel of the kind options select
func NewClient(logger *slog.Logger, options CreateOptions) (*compute.Client[Kernel], error) {
	server, err := NewServer(logger, options)
	if err != nil {
		return nil, err
	}

	channel, err := compute.NewChannel[Kernel](logger, options.Channel, server, options.QueueDepth)
	if err != nil {
		return nil, multierror.Append(err, server.Close())
	}

	return compute.NewClient[Kernel](logger, channel, Properties(options)), nil
}
