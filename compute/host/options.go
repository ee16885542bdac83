package host

import (
	"math"

	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/device"
	"github.com/vkngwrapper/arsenal/kernrt/memory"
)

const (
	DefaultMaxBatchSize  = 32
	DefaultSubmitDepth   = 8
	DefaultHostAlignment = 32
)

// CreateOptions configures a host Server and the client built around it
type CreateOptions struct {
	Memory memory.CreateOptions

	// Alignment is the offset alignment of every buffer. Zero selects DefaultHostAlignment.
	Alignment int
	// StorageLimit caps the bytes the server may hold at once. Zero is unlimited.
	StorageLimit int

	// MaxBatchSize is the number of queued operations that triggers an automatic flush
	MaxBatchSize int
	// SubmitDepth is the number of flushed batches the device buffers before Flush blocks
	SubmitDepth int

	Channel    compute.ChannelKind
	QueueDepth int
}

func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		Memory:       memory.DefaultCreateOptions(),
		Alignment:    DefaultHostAlignment,
		MaxBatchSize: DefaultMaxBatchSize,
		SubmitDepth:  DefaultSubmitDepth,
		Channel:      compute.ChannelMutex,
		QueueDepth:   compute.DefaultQueueDepth,
	}
}

func (o CreateOptions) withDefaults() CreateOptions {
	if len(o.Memory.Pools) == 0 {
		o.Memory = memory.DefaultCreateOptions()
	}
	if o.Alignment == 0 {
		o.Alignment = DefaultHostAlignment
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.SubmitDepth <= 0 {
		o.SubmitDepth = DefaultSubmitDepth
	}
	return o
}

// Features is the feature set of the host device
func Features() []device.Feature {
	return []device.Feature{
		device.TypeFeature(device.ElemBool),
		device.TypeFeature(device.ElemI8),
		device.TypeFeature(device.ElemI32),
		device.TypeFeature(device.ElemI64),
		device.TypeFeature(device.ElemU8),
		device.TypeFeature(device.ElemU32),
		device.TypeFeature(device.ElemF32),
		device.TypeFeature(device.ElemF64),
		device.TimestampQueryFeature(),
	}
}

// Properties describes the host device for servers built with options
func Properties(options CreateOptions) *device.Properties[device.Feature] {
	options = options.withDefaults()

	return device.NewProperties(Features(),
		device.MemoryProperties{
			MaxPageSize: math.MaxInt32,
			Alignment:   options.Alignment,
			TotalMemory: options.StorageLimit,
		},
		device.HardwareProperties{
			PlaneSizeMin:    1,
			PlaneSizeMax:    1,
			MaxBindings:     64,
			MaxSharedMemory: 64 << 10,
			MaxUnitsPerCube: 1,
			MaxCubeCount:    [3]uint32{math.MaxUint16, math.MaxUint16, math.MaxUint16},
			Integrated:      true,
		},
	)
}
