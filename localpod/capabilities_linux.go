//go:build linux

package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// probeGPUs returns the names of the NVIDIA GPUs NVML can see.
func probeGPUs() ([]string, error) {
	if nvmlRet := nvml.Init(); nvmlRet != nvml.SUCCESS {
		return nil, utils.MakeError("unable to initialize NVML: %v", nvmlRet)
	}
	defer func() {
		if nvmlRet := nvml.Shutdown(); nvmlRet != nvml.SUCCESS {
			logger.Errorf("Error shutting down NVML library.")
		}
	}()

	count, nvmlRet := nvml.DeviceGetCount()
	if nvmlRet != nvml.SUCCESS {
		return nil, utils.MakeError("error getting GPU count: %v", nvmlRet)
	}

	gpus := make([]string, 0, count)
	for i := 0; i < count; i++ {
		device, nvmlRet := nvml.DeviceGetHandleByIndex(i)
		if nvmlRet != nvml.SUCCESS {
			return gpus, utils.MakeError("couldn't get NVIDIA device at index %v", i)
		}
		name, nvmlRet := nvml.DeviceGetName(device)
		if nvmlRet != nvml.SUCCESS {
			name = utils.Sprintf("gpu-%d", i)
		}
		gpus = append(gpus, name)
	}
	return gpus, nil
}
