package utils

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// GetNumberOfGPUs uses the Go bindings for the NVIDIA Management Library to retrieve
// the number of real GPUs available on the host.
//
// GetNumberOfGPUs returns -1 and an error if nvml.Init() or nvml.DeviceGetCount()
// fail/return an error. On hosts without NVIDIA hardware or drivers, nvml.Init()
// fails, which callers should treat as "no GPUs present" rather than fatal.
func GetNumberOfGPUs() (int, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
		return -1, fmt.Errorf("unable to initialize NVML: %v", nvml.ErrorString(ret))
	}

	defer func() {
		ret := nvml.Shutdown()
		if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
			panic(fmt.Sprintf("Unable to shutdown NVML: %v", nvml.ErrorString(ret)))
		}
	}()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
		return -1, fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}

	return count, nil
}

// GetGpuMemoryUsed returns the used device memory, in bytes, of the first GPU on
// the host. Returns 0 and an error when NVML is unavailable.
func GetGpuMemoryUsed() (uint64, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("unable to initialize NVML: %v", nvml.ErrorString(ret))
	}

	defer func() {
		ret := nvml.Shutdown()
		if ret != nvml.SUCCESS {
			panic(fmt.Sprintf("Unable to shutdown NVML: %v", nvml.ErrorString(ret)))
		}
	}()

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("unable to get device handle: %v", nvml.ErrorString(ret))
	}

	memory, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("unable to get device memory info: %v", nvml.ErrorString(ret))
	}

	return memory.Used, nil
}
