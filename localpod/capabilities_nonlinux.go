//go:build !linux

package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import "github.com/whisthq/whist/backend/workspaces/utils"

// NVML only builds on Linux, so pods on other platforms never report GPUs.
func probeGPUs() ([]string, error) {
	return nil, utils.MakeError("GPU detection is only supported on Linux")
}
