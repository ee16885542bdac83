package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/memory"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"golang.org/x/exp/slog"
)

const sample = `
logLevel: debug
devices: 3
channel: mpsc
queueDepth: 16
maxBatchSize: 8
storageLimit: 268435456
pools:
  - kind: sliced
    pageSize: 1048576
    maxSliceSize: 65536
    strategy: minMemory
  - kind: exclusive
    minAllocSize: 65537
    overAllocation: 1.5
    idleThreshold: 3
    deallocPeriod: 300
`

func TestParse(t *testing.T) {
	config, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, 3, config.Devices)

	level, err := config.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	options, err := config.HostOptions()
	require.NoError(t, err)
	require.Equal(t, compute.ChannelMPSC, options.Channel)
	require.Equal(t, 16, options.QueueDepth)
	require.Equal(t, 8, options.MaxBatchSize)
	require.Equal(t, 268435456, options.StorageLimit)

	// Unset values keep their defaults
	require.Equal(t, Default().Alignment, options.Alignment)
	require.Equal(t, Default().SubmitDepth, options.SubmitDepth)

	require.Equal(t, []memory.PoolOptions{
		{
			Kind:          memory.PoolSliced,
			PageSize:      1 << 20,
			MaxSliceSize:  64 << 10,
			Strategy:      memutils.AllocationStrategyMinMemory,
			DeallocPeriod: memory.DefaultDeallocPeriod,
		},
		{
			Kind:           memory.PoolExclusive,
			MinAllocSize:   64<<10 + 1,
			DeallocPeriod:  300,
			OverAllocation: 1.5,
			IdleThreshold:  3,
		},
	}, options.Memory.Pools)
}

func TestParse_Defaults(t *testing.T) {
	config, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), config)

	options, err := config.HostOptions()
	require.NoError(t, err)
	require.Equal(t, compute.ChannelMutex, options.Channel)
	require.Equal(t, memory.DefaultCreateOptions(), options.Memory)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "devicez: 2",
		"channel":         "channel: pigeon",
		"log level":       "logLevel: loud",
		"devices":         "devices: 0",
		"pool kind":       "pools: [{kind: buddy}]",
		"no pools":        "pools: []",
		"over allocation": "pools: [{kind: exclusive, overAllocation: 0.5}]",
		"slice size":      "pools: [{kind: sliced, pageSize: 1024, maxSliceSize: 4096}]",
		"strategy":        "pools: [{kind: sliced, pageSize: 1024, maxSliceSize: 512, strategy: buddy}]",
		"not yaml":        "devices: [",
	}

	for name, document := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(document))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "mpsc", config.Channel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	config := Default()
	config.LogLevel = "warn"

	var out bytes.Buffer
	logger, err := config.Logger(&out)
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud")
	require.NotContains(t, out.String(), "quiet")
	require.Contains(t, out.String(), "loud")
}
