package compute

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/kernel"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/profiler"
	"golang.org/x/exp/slog"
)

var ErrChannelClosed = errors.New("compute channel is closed")

// Channel carries operations to exactly one Server. Operations issued through a channel execute in
// the order they were issued. Once closed, a channel fails every operation with ErrChannelClosed
// and releases the bindings it is handed.
type Channel[K any] interface {
	Server[K]
}

// ChannelKind selects how a Channel serializes access to its server
type ChannelKind int

const (
	// ChannelDirect calls the server without any locking. Only one goroutine may use it.
	ChannelDirect ChannelKind = iota
	// ChannelMutex guards the server with a mutex
	ChannelMutex
	// ChannelMPSC hands every operation to a goroutine that owns the server
	ChannelMPSC
)

var channelKindNames = map[ChannelKind]string{
	ChannelDirect: "direct",
	ChannelMutex:  "mutex",
	ChannelMPSC:   "mpsc",
}

func (k ChannelKind) String() string {
	name, ok := channelKindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}

func ParseChannelKind(name string) (ChannelKind, error) {
	for kind, kindName := range channelKindNames {
		if strings.EqualFold(name, kindName) {
			return kind, nil
		}
	}
	return 0, errors.Newf("unknown channel kind '%s'", name)
}

// NewChannel places server behind a channel of the requested kind. queueDepth is only used by
// ChannelMPSC.
func NewChannel[K any](logger *slog.Logger, kind ChannelKind, server Server[K], queueDepth int) (Channel[K], error) {
	if server == nil {
		return nil, errors.New("attempted to create a channel without a server")
	}

	switch kind {
	case ChannelDirect:
		return NewDirectChannel[K](logger, server), nil
	case ChannelMutex:
		return NewMutexChannel[K](logger, server), nil
	case ChannelMPSC:
		return NewMPSCChannel[K](logger, server, queueDepth), nil
	}
	return nil, errors.Newf("unknown channel kind %d", int(kind))
}

// LockedChannel calls its server on the issuing goroutine, optionally under a mutex
type LockedChannel[K any] struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex
	server Server[K]
	closed bool
}

var _ Channel[any] = &LockedChannel[any]{}

func NewDirectChannel[K any](logger *slog.Logger, server Server[K]) *LockedChannel[K] {
	return &LockedChannel[K]{
		logger: utils.LoggerOrDiscard(logger),
		server: server,
	}
}

func NewMutexChannel[K any](logger *slog.Logger, server Server[K]) *LockedChannel[K] {
	return &LockedChannel[K]{
		logger: utils.LoggerOrDiscard(logger),
		mutex:  utils.OptionalMutex{Enabled: true},
		server: server,
	}
}

func (c *LockedChannel[K]) Create(data []byte) (*Handle, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	return c.server.Create(data)
}

func (c *LockedChannel[K]) Empty(size int) (*Handle, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	return c.server.Empty(size)
}

func (c *LockedChannel[K]) Read(ctx context.Context, binding *Binding) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		ReleaseBindings(binding)
		return nil, ErrChannelClosed
	}
	return c.server.Read(ctx, binding)
}

func (c *LockedChannel[K]) Write(binding *Binding, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		ReleaseBindings(binding)
		return ErrChannelClosed
	}
	return c.server.Write(binding, data)
}

func (c *LockedChannel[K]) Execute(k K, count CubeCount, bindings []*Binding, mode kernel.ExecutionMode) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		ReleaseBindings(bindings...)
		return ErrChannelClosed
	}
	return c.server.Execute(k, count, bindings, mode)
}

func (c *LockedChannel[K]) Flush() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	return c.server.Flush()
}

func (c *LockedChannel[K]) Sync(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	return c.server.Sync(ctx)
}

func (c *LockedChannel[K]) MemoryUsage() memutils.MemoryUsage {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return memutils.MemoryUsage{}
	}
	return c.server.MemoryUsage()
}

func (c *LockedChannel[K]) MemoryStats(detailed bool) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ""
	}
	return c.server.MemoryStats(detailed)
}

func (c *LockedChannel[K]) MemoryCleanup() {
	c.mutex.With(func() {
		if !c.closed {
			c.server.MemoryCleanup()
		}
	})
}

func (c *LockedChannel[K]) StartProfile() profiler.Token {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return profiler.Token{}
	}
	return c.server.StartProfile()
}

func (c *LockedChannel[K]) EndProfile(ctx context.Context, token profiler.Token) (time.Duration, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return 0, ErrChannelClosed
	}
	return c.server.EndProfile(ctx, token)
}

func (c *LockedChannel[K]) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "LockedChannel::Close",
		slog.Bool("synchronized", c.mutex.Enabled),
	)
	return c.server.Close()
}

// DefaultQueueDepth is the number of operations an MPSCChannel buffers before callers block
const DefaultQueueDepth = 64

type result[T any] struct {
	value T
	err   error
}

// MPSCChannel hands every operation to a dedicated goroutine that owns the server. Any number of
// goroutines may issue operations; each caller waits for its own operation to be accepted.
type MPSCChannel[K any] struct {
	logger *slog.Logger

	lock   sync.RWMutex
	closed bool
	queue  chan func(server Server[K])
	done   chan struct{}

	server   Server[K]
	closeErr error
}

var _ Channel[any] = &MPSCChannel[any]{}

func NewMPSCChannel[K any](logger *slog.Logger, server Server[K], queueDepth int) *MPSCChannel[K] {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	channel := &MPSCChannel[K]{
		logger: utils.LoggerOrDiscard(logger),
		queue:  make(chan func(server Server[K]), queueDepth),
		done:   make(chan struct{}),
		server: server,
	}
	go channel.run()

	return channel
}

func (c *MPSCChannel[K]) run() {
	defer close(c.done)

	processed := 0
	for message := range c.queue {
		message(c.server)
		processed++
	}

	c.closeErr = c.server.Close()
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "MPSCChannel::run exited",
		slog.Int("messages", processed),
	)
}

func (c *MPSCChannel[K]) send(message func(server Server[K])) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.closed {
		return false
	}
	c.queue <- message
	return true
}

// call runs f on the server goroutine and waits for its result. The wait, but not the operation,
// ends early when ctx is done.
func call[K any, T any](ctx context.Context, c *MPSCChannel[K], f func(server Server[K]) result[T]) result[T] {
	reply := make(chan result[T], 1)
	sent := c.send(func(server Server[K]) {
		reply <- f(server)
	})
	if !sent {
		return result[T]{err: ErrChannelClosed}
	}

	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return result[T]{err: ctx.Err()}
	}
}

func (c *MPSCChannel[K]) Create(data []byte) (*Handle, error) {
	r := call(context.Background(), c, func(server Server[K]) result[*Handle] {
		handle, err := server.Create(data)
		return result[*Handle]{handle, err}
	})
	return r.value, r.err
}

func (c *MPSCChannel[K]) Empty(size int) (*Handle, error) {
	r := call(context.Background(), c, func(server Server[K]) result[*Handle] {
		handle, err := server.Empty(size)
		return result[*Handle]{handle, err}
	})
	return r.value, r.err
}

func (c *MPSCChannel[K]) Read(ctx context.Context, binding *Binding) ([]byte, error) {
	r := call(ctx, c, func(server Server[K]) result[[]byte] {
		data, err := server.Read(ctx, binding)
		return result[[]byte]{data, err}
	})
	if errors.Is(r.err, ErrChannelClosed) {
		ReleaseBindings(binding)
	}
	return r.value, r.err
}

func (c *MPSCChannel[K]) Write(binding *Binding, data []byte) error {
	r := call(context.Background(), c, func(server Server[K]) result[struct{}] {
		return result[struct{}]{err: server.Write(binding, data)}
	})
	if errors.Is(r.err, ErrChannelClosed) {
		ReleaseBindings(binding)
	}
	return r.err
}

func (c *MPSCChannel[K]) Execute(k K, count CubeCount, bindings []*Binding, mode kernel.ExecutionMode) error {
	r := call(context.Background(), c, func(server Server[K]) result[struct{}] {
		return result[struct{}]{err: server.Execute(k, count, bindings, mode)}
	})
	if errors.Is(r.err, ErrChannelClosed) {
		ReleaseBindings(bindings...)
	}
	return r.err
}

func (c *MPSCChannel[K]) Flush() error {
	r := call(context.Background(), c, func(server Server[K]) result[struct{}] {
		return result[struct{}]{err: server.Flush()}
	})
	return r.err
}

func (c *MPSCChannel[K]) Sync(ctx context.Context) error {
	r := call(ctx, c, func(server Server[K]) result[struct{}] {
		return result[struct{}]{err: server.Sync(ctx)}
	})
	return r.err
}

func (c *MPSCChannel[K]) MemoryUsage() memutils.MemoryUsage {
	r := call(context.Background(), c, func(server Server[K]) result[memutils.MemoryUsage] {
		return result[memutils.MemoryUsage]{value: server.MemoryUsage()}
	})
	return r.value
}

func (c *MPSCChannel[K]) MemoryStats(detailed bool) string {
	r := call(context.Background(), c, func(server Server[K]) result[string] {
		return result[string]{value: server.MemoryStats(detailed)}
	})
	return r.value
}

func (c *MPSCChannel[K]) MemoryCleanup() {
	call(context.Background(), c, func(server Server[K]) result[struct{}] {
		server.MemoryCleanup()
		return result[struct{}]{}
	})
}

func (c *MPSCChannel[K]) StartProfile() profiler.Token {
	r := call(context.Background(), c, func(server Server[K]) result[profiler.Token] {
		return result[profiler.Token]{value: server.StartProfile()}
	})
	return r.value
}

func (c *MPSCChannel[K]) EndProfile(ctx context.Context, token profiler.Token) (time.Duration, error) {
	r := call(ctx, c, func(server Server[K]) result[time.Duration] {
		duration, err := server.EndProfile(ctx, token)
		return result[time.Duration]{duration, err}
	})
	return r.value, r.err
}

// Close stops accepting operations, waits for the queued ones to run and closes the server
func (c *MPSCChannel[K]) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrChannelClosed
	}
	c.closed = true
	close(c.queue)
	c.lock.Unlock()

	<-c.done
	return c.closeErr
}
