package storage

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"golang.org/x/exp/slog"
)

// DeviceMemoryAllocator is the part of core1_0.Device that VulkanStorage needs
type DeviceMemoryAllocator interface {
	AllocateMemory(allocationCallbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
}

// VulkanOptions configures a VulkanStorage
type VulkanOptions struct {
	// MemoryTypeIndex is the memory type every buffer is allocated from
	MemoryTypeIndex int
	// Alignment is the offset alignment reported to pools. It must be a power of two.
	Alignment int
	// HeapLimit is the most bytes this storage will allocate from the heap. Zero is unlimited.
	HeapLimit int
	// MaxAllocationCount is the device's maxMemoryAllocationCount limit. Zero is unlimited.
	MaxAllocationCount int
	// Priority, when UsePriority is set, is chained into every allocation through
	// VK_EXT_memory_priority. The extension must be enabled on the device.
	Priority    float32
	UsePriority bool

	AllocationCallbacks *driver.AllocationCallbacks
}

// VulkanStorage is a Storage that allocates one VkDeviceMemory per coarse buffer
type VulkanStorage struct {
	Counters

	logger  *slog.Logger
	device  DeviceMemoryAllocator
	options VulkanOptions

	mutex    utils.OptionalMutex
	memories *swiss.Map[ID, vulkanBuffer]
}

type vulkanBuffer struct {
	memory core1_0.DeviceMemory
	size   int
}

var _ Storage = &VulkanStorage{}

func NewVulkanStorage(logger *slog.Logger, device DeviceMemoryAllocator, options VulkanOptions) (*VulkanStorage, error) {
	if device == nil {
		return nil, errors.New("attempted to create a VulkanStorage without a device")
	}

	err := memutils.CheckAlignment(options.Alignment, "VulkanOptions.Alignment")
	if err != nil {
		return nil, err
	}

	if options.UsePriority && (options.Priority < 0 || options.Priority > 1) {
		return nil, errors.Newf("VulkanOptions.Priority must be within [0, 1], but was %f", options.Priority)
	}

	return &VulkanStorage{
		logger:   utils.LoggerOrDiscard(logger),
		device:   device,
		options:  options,
		mutex:    utils.OptionalMutex{Enabled: true},
		memories: swiss.NewMap[ID, vulkanBuffer](16),
	}, nil
}

// VulkanOptionsForDevice picks the first device-local memory type and derives the alignment and
// allocation limits from the physical device
func VulkanOptionsForDevice(properties *core1_0.PhysicalDeviceProperties, memoryProperties *core1_0.PhysicalDeviceMemoryProperties) (VulkanOptions, error) {
	memoryTypeIndex := -1
	for index, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 {
			memoryTypeIndex = index
			break
		}
	}

	if memoryTypeIndex < 0 {
		return VulkanOptions{}, errors.Wrap(core1_0.VKErrorFeatureNotPresent.ToError(), "physical device has no device-local memory type")
	}

	alignment := 1
	if properties.Limits != nil {
		if properties.Limits.NonCoherentAtomSize > alignment {
			alignment = properties.Limits.NonCoherentAtomSize
		}
		if properties.Limits.BufferImageGranularity > alignment {
			alignment = properties.Limits.BufferImageGranularity
		}
	}

	err := memutils.CheckPow2(alignment, "device memory alignment")
	if err != nil {
		return VulkanOptions{}, err
	}

	options := VulkanOptions{
		MemoryTypeIndex: memoryTypeIndex,
		Alignment:       alignment,
	}
	if properties.Limits != nil {
		options.MaxAllocationCount = properties.Limits.MaxMemoryAllocationCount
	}

	heapIndex := memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
	options.HeapLimit = memoryProperties.MemoryHeaps[heapIndex].Size

	return options, nil
}

func (s *VulkanStorage) Alignment() int {
	return s.options.Alignment
}

func (s *VulkanStorage) Alloc(size int) (handle Handle, err error) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate a buffer of %d bytes", size))
	}

	if s.options.MaxAllocationCount > 0 && s.BufferCount() >= s.options.MaxAllocationCount {
		return Handle{}, errors.Wrapf(core1_0.VKErrorTooManyObjects.ToError(), "device already holds %d allocations", s.BufferCount())
	}

	err = s.reserve(size, s.options.HeapLimit)
	if err != nil {
		return Handle{}, err
	}
	defer func() {
		// Roll back the reservation if the device refused us
		if err != nil {
			s.release(size)
		}
	}()

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: s.options.MemoryTypeIndex,
	}
	if s.options.UsePriority {
		allocateInfo.Next = ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: s.options.Priority,
		}
	}

	memory, res, err := s.device.AllocateMemory(s.options.AllocationCallbacks, allocateInfo)
	if err != nil {
		if res == core1_0.VKErrorOutOfDeviceMemory {
			err = errors.Mark(err, ErrOutOfMemory)
		}
		return Handle{}, errors.Wrapf(err, "allocating %d bytes from memory type %d", size, s.options.MemoryTypeIndex)
	}

	id := s.newID()

	s.mutex.Lock()
	s.memories.Put(id, vulkanBuffer{memory: memory, size: size})
	s.mutex.Unlock()

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "VulkanStorage::Alloc",
		slog.Uint64("id", uint64(id)),
		slog.Int("size", size),
		slog.Int("memoryTypeIndex", s.options.MemoryTypeIndex),
	)

	return Handle{ID: id, Utilization: Utilization{Offset: 0, Size: size}}, nil
}

func (s *VulkanStorage) Dealloc(id ID) {
	s.mutex.Lock()
	buffer, ok := s.memories.Get(id)
	if ok {
		s.memories.Delete(id)
	}
	s.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("attempted to deallocate unknown buffer %d", id))
	}

	buffer.memory.Free(s.options.AllocationCallbacks)
	s.release(buffer.size)

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "VulkanStorage::Dealloc",
		slog.Uint64("id", uint64(id)),
		slog.Int("size", buffer.size),
	)
}

// DeviceMemory returns the VkDeviceMemory backing a buffer, for binding to buffers or images
func (s *VulkanStorage) DeviceMemory(id ID) (core1_0.DeviceMemory, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	buffer, ok := s.memories.Get(id)
	return buffer.memory, ok
}
