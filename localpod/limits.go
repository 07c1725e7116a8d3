package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	dockercontainer "github.com/docker/docker/api/types/container"
	dockerunits "github.com/docker/go-units"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// Limits are the container resources a tier gets on a local pod. Pods are
// someone's own machine, so these are much smaller than the cloud specs.
type Limits struct {
	CPUs   float64
	Memory string
	// GPU requests every GPU on the pod.
	GPU bool
}

// gpuLimitsKey is the table entry every GPU tier maps to.
const gpuLimitsKey types.Tier = "gpu"

var limitsTable = map[types.Tier]Limits{
	catalog.TierStarter:     {CPUs: 1, Memory: "2g"},
	catalog.TierStandard:    {CPUs: 2, Memory: "4g"},
	catalog.TierPerformance: {CPUs: 4, Memory: "8g"},
	gpuLimitsKey:            {CPUs: 4, Memory: "16g", GPU: true},
}

// LimitsFor returns the limits of spec's tier. Tiers missing from the table
// get the starter limits.
func LimitsFor(spec catalog.HardwareSpec) Limits {
	if spec.Accelerator == catalog.AcceleratorGPU {
		return limitsTable[gpuLimitsKey]
	}
	if l, ok := limitsTable[spec.Tier]; ok {
		return l
	}
	return limitsTable[catalog.TierStarter]
}

// Resources converts l into Docker resources.
func (l Limits) Resources() (dockercontainer.Resources, error) {
	memory, err := dockerunits.RAMInBytes(l.Memory)
	if err != nil {
		return dockercontainer.Resources{}, utils.MakeError("invalid memory limit %q: %s", l.Memory, err)
	}

	res := dockercontainer.Resources{
		NanoCPUs:   int64(l.CPUs * 1e9),
		Memory:     memory,
		MemorySwap: memory,
	}
	if l.GPU {
		res.DeviceRequests = []dockercontainer.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return res, nil
}
