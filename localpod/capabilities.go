package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/whisthq/whist/backend/workspaces/rpc"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// ProbeCapabilities describes the pod's hardware. Probes that fail leave
// their fields empty; a pod that can't describe itself is still usable.
func ProbeCapabilities() rpc.Capabilities {
	caps := rpc.Capabilities{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if info, err := host.Info(); err != nil {
		logger.Warningf("Couldn't probe host info: %s", err)
	} else {
		caps.Hostname = info.Hostname
		if info.KernelArch != "" {
			caps.Arch = info.KernelArch
		}
	}

	if count, err := cpu.Counts(true); err != nil {
		logger.Warningf("Couldn't count CPUs: %s", err)
	} else {
		caps.CPUs = count
	}

	if memStats, err := mem.VirtualMemory(); err != nil {
		logger.Warningf("Couldn't probe memory: %s", err)
	} else {
		caps.MemoryMB = memStats.Total / (1024 * 1024)
	}

	gpus, err := probeGPUs()
	if err != nil {
		logger.Infof("No GPUs detected: %s", err)
	}
	caps.GPUs = gpus
	return caps
}

// capabilities is what HEALTH_CHECK reports: the hardware probed at
// startup plus the live workspace counts.
func (m *Manager) capabilities(hw rpc.Capabilities) *rpc.Capabilities {
	hw.GPUs = append([]string(nil), hw.GPUs...)
	hw.MaxWorkspaces = m.cfg.MaxWorkspaces
	hw.Workspaces = m.index.Len()
	return &hw
}
