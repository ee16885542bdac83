package compute

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/device"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/kernel"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"golang.org/x/exp/slog"
)

// Client is the caller-facing side of one device. It forwards every operation through its
// channel and may be shared by any number of goroutines when the channel allows it.
type Client[K any] struct {
	logger     *slog.Logger
	channel    Channel[K]
	properties *device.Properties[device.Feature]
}

// NewClient freezes properties and wraps channel
func NewClient[K any](logger *slog.Logger, channel Channel[K], properties *device.Properties[device.Feature]) *Client[K] {
	properties.Freeze()

	return &Client[K]{
		logger:     utils.LoggerOrDiscard(logger),
		channel:    channel,
		properties: properties,
	}
}

func (c *Client[K]) Properties() *device.Properties[device.Feature] {
	return c.properties
}

func (c *Client[K]) FeatureEnabled(feature device.Feature) bool {
	return c.properties.FeatureEnabled(feature)
}

// Create allocates a buffer holding a copy of data
func (c *Client[K]) Create(data []byte) (*Handle, error) {
	return c.channel.Create(data)
}

// Empty allocates an uninitialized buffer of size bytes
func (c *Client[K]) Empty(size int) (*Handle, error) {
	return c.channel.Empty(size)
}

// Read returns the contents of the buffer once every operation issued before it has run
func (c *Client[K]) Read(ctx context.Context, handle *Handle) ([]byte, error) {
	return c.channel.Read(ctx, handle.Binding(AccessRead))
}

func (c *Client[K]) Write(handle *Handle, data []byte) error {
	if len(data) > handle.Size() {
		return errors.Newf("attempted to write %d bytes to a buffer of %d bytes", len(data), handle.Size())
	}
	return c.channel.Write(handle.Binding(AccessWrite), data)
}

// Execute launches k over count cubes. The kernel runs after every operation issued before
// it, but Execute itself returns as soon as the launch is queued.
func (c *Client[K]) Execute(k K, count CubeCount, bindings []*Binding) error {
	return c.execute(k, count, bindings, kernel.ExecutionChecked)
}

// ExecuteUnchecked launches k without bounds checks
func (c *Client[K]) ExecuteUnchecked(k K, count CubeCount, bindings []*Binding) error {
	return c.execute(k, count, bindings, kernel.ExecutionUnchecked)
}

func (c *Client[K]) execute(k K, count CubeCount, bindings []*Binding, mode kernel.ExecutionMode) error {
	err := count.Check(c.properties.HardwareProperties().MaxCubeCount)
	if err != nil {
		ReleaseBindings(bindings...)
		return err
	}

	maxBindings := c.properties.HardwareProperties().MaxBindings
	if maxBindings > 0 && len(bindings) > int(maxBindings) {
		ReleaseBindings(bindings...)
		return errors.Newf("kernel launch uses %d bindings, but the device supports %d", len(bindings), maxBindings)
	}

	return c.channel.Execute(k, count, bindings, mode)
}

func (c *Client[K]) Flush() error {
	return c.channel.Flush()
}

// Sync waits for the device to retire every operation issued so far and returns the first device
// failure since the last Sync
func (c *Client[K]) Sync(ctx context.Context) error {
	return c.channel.Sync(ctx)
}

func (c *Client[K]) MemoryUsage() memutils.MemoryUsage {
	return c.channel.MemoryUsage()
}

// MemoryStats renders the device's memory pools as json
func (c *Client[K]) MemoryStats(detailed bool) string {
	return c.channel.MemoryStats(detailed)
}

// MemoryCleanup releases every page that is not in use
func (c *Client[K]) MemoryCleanup() {
	c.channel.MemoryCleanup()
}

// Profile measures the time the device takes to run the operations fn issues
func (c *Client[K]) Profile(ctx context.Context, fn func() error) (time.Duration, error) {
	token := c.channel.StartProfile()

	fnErr := fn()
	duration, err := c.channel.EndProfile(ctx, token)
	if fnErr != nil {
		return 0, fnErr
	}
	if err != nil {
		return 0, errors.Wrap(err, "profiling failed")
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, "Client::Profile",
		slog.Duration("duration", duration),
	)
	return duration, nil
}

func (c *Client[K]) Close() error {
	return c.channel.Close()
}
