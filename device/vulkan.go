package device

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// FromVulkan derives memory and hardware properties from a Vulkan physical device
func FromVulkan(properties *core1_0.PhysicalDeviceProperties, memoryProperties *core1_0.PhysicalDeviceMemoryProperties) (MemoryProperties, HardwareProperties, error) {
	if properties == nil || properties.Limits == nil {
		return MemoryProperties{}, HardwareProperties{}, errors.New("physical device properties carry no limits")
	}
	if memoryProperties == nil {
		return MemoryProperties{}, HardwareProperties{}, errors.New("physical device memory properties are missing")
	}

	alignment := properties.Limits.NonCoherentAtomSize
	if properties.Limits.BufferImageGranularity > alignment {
		alignment = properties.Limits.BufferImageGranularity
	}
	if alignment < 1 {
		alignment = 1
	}

	err := memutils.CheckPow2(alignment, "device alignment")
	if err != nil {
		return MemoryProperties{}, HardwareProperties{}, err
	}

	memory := MemoryProperties{Alignment: alignment}
	for _, heap := range memoryProperties.MemoryHeaps {
		if heap.Flags&core1_0.MemoryHeapDeviceLocal == 0 {
			continue
		}

		memory.TotalMemory += heap.Size
		if heap.Size > memory.MaxPageSize {
			memory.MaxPageSize = heap.Size
		}
	}

	hardware := HardwareProperties{
		MaxAllocationCount: properties.Limits.MaxMemoryAllocationCount,
		Integrated:         properties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU,
	}

	return memory, hardware, nil
}
