package config

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/compute/host"
	"github.com/vkngwrapper/arsenal/kernrt/memory"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"golang.org/x/exp/slog"
	"sigs.k8s.io/yaml"
)

// PoolConfig is the file form of memory.PoolOptions
type PoolConfig struct {
	// Kind is "exclusive" or "sliced"
	Kind           string  `json:"kind"`
	MinAllocSize   int     `json:"minAllocSize,omitempty"`
	MaxAllocSize   int     `json:"maxAllocSize,omitempty"`
	PageSize       int     `json:"pageSize,omitempty"`
	MaxSliceSize   int     `json:"maxSliceSize,omitempty"`
	// Strategy is "minTime" or "minMemory"
	Strategy       string  `json:"strategy,omitempty"`
	DeallocPeriod  uint64  `json:"deallocPeriod,omitempty"`
	OverAllocation float64 `json:"overAllocation,omitempty"`
	IdleThreshold  int     `json:"idleThreshold,omitempty"`
}

func (p PoolConfig) Options() (memory.PoolOptions, error) {
	options := memory.PoolOptions{
		MinAllocSize:   p.MinAllocSize,
		MaxAllocSize:   p.MaxAllocSize,
		PageSize:       p.PageSize,
		MaxSliceSize:   p.MaxSliceSize,
		DeallocPeriod:  p.DeallocPeriod,
		OverAllocation: p.OverAllocation,
		IdleThreshold:  p.IdleThreshold,
	}

	switch strings.ToLower(p.Kind) {
	case "exclusive":
		options.Kind = memory.PoolExclusive
	case "sliced":
		options.Kind = memory.PoolSliced
	default:
		return options, errors.Newf("unknown pool kind '%s'", p.Kind)
	}

	switch strings.ToLower(p.Strategy) {
	case "", "mintime":
		options.Strategy = memutils.AllocationStrategyMinTime
	case "minmemory":
		options.Strategy = memutils.AllocationStrategyMinMemory
	default:
		return options, errors.Newf("unknown allocation strategy '%s'", p.Strategy)
	}

	if options.DeallocPeriod == 0 {
		options.DeallocPeriod = memory.DefaultDeallocPeriod
	}
	return options, nil
}

// Config is the file configuration of a set of host devices
type Config struct {
	LogLevel string `json:"logLevel,omitempty"`
	// Devices is the number of host devices to create
	Devices int `json:"devices,omitempty"`

	// Channel is "direct", "mutex" or "mpsc"
	Channel      string `json:"channel,omitempty"`
	QueueDepth   int    `json:"queueDepth,omitempty"`
	MaxBatchSize int    `json:"maxBatchSize,omitempty"`
	SubmitDepth  int    `json:"submitDepth,omitempty"`

	Alignment    int `json:"alignment,omitempty"`
	StorageLimit int `json:"storageLimit,omitempty"`

	Pools []PoolConfig `json:"pools,omitempty"`
}

// Default mirrors host.DefaultCreateOptions
func Default() Config {
	return Config{
		LogLevel:     "info",
		Devices:      1,
		Channel:      compute.ChannelMutex.String(),
		QueueDepth:   compute.DefaultQueueDepth,
		MaxBatchSize: host.DefaultMaxBatchSize,
		SubmitDepth:  host.DefaultSubmitDepth,
		Alignment:    host.DefaultHostAlignment,
		Pools: []PoolConfig{
			{Kind: "sliced", PageSize: 8 << 20, MaxSliceSize: 2 << 20, DeallocPeriod: memory.DefaultDeallocPeriod},
			{Kind: "exclusive", DeallocPeriod: memory.DefaultDeallocPeriod},
		},
	}
}

// Parse reads yaml over the defaults. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	config := Default()

	err := yaml.UnmarshalStrict(data, &config)
	if err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}
	return config, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}

	config, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading %s", path)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.Devices < 1 {
		return errors.Newf("devices must be at least 1, but was %d", c.Devices)
	}

	_, err := c.Level()
	if err != nil {
		return err
	}

	_, err = c.HostOptions()
	return err
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (c Config) Level() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	level, ok := levels[strings.ToLower(c.LogLevel)]
	if !ok {
		return 0, errors.Newf("unknown log level '%s'", c.LogLevel)
	}
	return level, nil
}

// Logger builds a text logger writing to w at the configured level
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}

	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(w)), nil
}

func (c Config) HostOptions() (host.CreateOptions, error) {
	kind, err := compute.ParseChannelKind(c.Channel)
	if err != nil {
		return host.CreateOptions{}, err
	}

	options := host.CreateOptions{
		Alignment:    c.Alignment,
		StorageLimit: c.StorageLimit,
		MaxBatchSize: c.MaxBatchSize,
		SubmitDepth:  c.SubmitDepth,
		Channel:      kind,
		QueueDepth:   c.QueueDepth,
	}

	for index, pool := range c.Pools {
		poolOptions, err := pool.Options()
		if err != nil {
			return host.CreateOptions{}, errors.Wrapf(err, "pools[%d]", index)
		}
		options.Memory.Pools = append(options.Memory.Pools, poolOptions)
	}

	err = memory.ValidateOptions(options.Memory)
	if err != nil {
		return host.CreateOptions{}, err
	}
	return options, nil
}
