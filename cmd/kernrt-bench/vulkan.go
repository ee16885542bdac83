package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/config"
	"github.com/vkngwrapper/arsenal/kernrt/device"
	"github.com/vkngwrapper/arsenal/kernrt/memory"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
	"github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v2/khr_portability_subset"
	"golang.org/x/exp/slog"
)

// runVulkan drives the configured pools over device memory of the first Vulkan physical device.
// No kernels run in this mode.
func runVulkan(cfg config.Config, options benchOptions) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	hostOptions, err := cfg.HostOptions()
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loader, err := core.CreateSystemLoader()
	if err != nil {
		return errors.Wrap(err, "loading vulkan")
	}

	instanceExtensions, _, err := loader.AvailableExtensions()
	if err != nil {
		return err
	}

	var instanceExtensionNames []string
	var flags core1_0.InstanceCreateFlags
	_, ok := instanceExtensions[khr_portability_enumeration.ExtensionName]
	if ok {
		instanceExtensionNames = append(instanceExtensionNames, khr_portability_enumeration.ExtensionName)
		flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	instance, _, err := loader.CreateInstance(nil, core1_0.InstanceCreateInfo{
		ApplicationName:       "kernrt-bench",
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            "kernrt",
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_0,
		EnabledExtensionNames: instanceExtensionNames,
		Flags:                 flags,
	})
	if err != nil {
		return errors.Wrap(err, "creating instance")
	}
	defer instance.Destroy(nil)

	gpus, _, err := instance.EnumeratePhysicalDevices()
	if err != nil {
		return err
	}
	if len(gpus) == 0 {
		return errors.New("no vulkan physical device is available")
	}
	physDevice := gpus[0]

	properties, err := physDevice.Properties()
	if err != nil {
		return err
	}
	memoryProperties := physDevice.MemoryProperties()

	memoryLimits, hardware, err := device.FromVulkan(properties, memoryProperties)
	if err != nil {
		return err
	}

	storageOptions, err := storage.VulkanOptionsForDevice(properties, memoryProperties)
	if err != nil {
		return err
	}

	queueFamily := 0
	for index, family := range physDevice.QueueFamilyProperties() {
		if family.QueueFlags&core1_0.QueueCompute != 0 {
			queueFamily = index
			break
		}
	}

	var deviceExtensionNames []string
	deviceExtensions, _, err := physDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		return err
	}
	_, ok = deviceExtensions[khr_portability_subset.ExtensionName]
	if ok {
		deviceExtensionNames = append(deviceExtensionNames, khr_portability_subset.ExtensionName)
	}

	vkDevice, _, err := physDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: []core1_0.DeviceQueueCreateInfo{
			{
				QueueFamilyIndex: queueFamily,
				QueuePriorities:  []float32{0.0},
			},
		},
		EnabledExtensionNames: deviceExtensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "creating device")
	}
	defer vkDevice.Destroy(nil)

	logger.LogAttrs(context.Background(), slog.LevelInfo, "Vulkan device selected",
		slog.String("name", properties.DeviceName),
		slog.Int("alignment", memoryLimits.Alignment),
		slog.Int("deviceLocalBytes", memoryLimits.TotalMemory),
		slog.Bool("integrated", hardware.Integrated),
	)

	deviceStorage, err := storage.NewVulkanStorage(logger, vkDevice, storageOptions)
	if err != nil {
		return err
	}

	management, err := memory.NewMemoryManagement(logger, deviceStorage, hostOptions.Memory)
	if err != nil {
		return err
	}

	maxSize := options.elems * 32
	if memoryLimits.MaxPageSize > 0 && maxSize > memoryLimits.MaxPageSize/4 {
		maxSize = memoryLimits.MaxPageSize / 4
	}
	if maxSize < 1 {
		maxSize = 1
	}

	err = churn(management, rand.New(rand.NewSource(1)), options.iterations, maxSize)
	if err == nil {
		fmt.Printf("%s\n%s\n", properties.DeviceName, management.MemoryUsage())
		fmt.Println(management.BuildStatsString(options.detailed))
	}

	return errors.CombineErrors(err, management.Destroy())
}

// churn reserves slices of random sizes, keeping a handful alive at a time, and releases them all
// before returning
func churn(management *memory.MemoryManagement, rng *rand.Rand, iterations, maxSize int) error {
	var live []*memory.SliceHandle
	defer func() {
		for _, handle := range live {
			handle.Release()
		}
	}()

	for iteration := 0; iteration < iterations; iteration++ {
		handle, err := management.Reserve(rng.Intn(maxSize) + 1)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", iteration)
		}
		live = append(live, handle)

		if len(live) > 8 {
			index := rng.Intn(len(live))
			live[index].Release()
			live = append(live[:index], live[index+1:]...)
		}
	}

	return management.Validate()
}
