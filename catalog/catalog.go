// Package catalog maps workspace tiers to the hardware they run on and to the
// container image a workspace boots. Lookups are total: every tier, known or
// not, resolves to a HardwareSpec.
package catalog // import "github.com/whisthq/whist/backend/workspaces/catalog"

import (
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// Architecture is the CPU architecture a tier runs on.
type Architecture string

// Supported architectures.
const (
	ArchX86_64 Architecture = "X86_64"
	ArchARM64  Architecture = "ARM64"
)

// DefaultArchitecture is the only architecture the serverless backend hosts.
const DefaultArchitecture = ArchX86_64

// Platform returns the OCI platform architecture name ("amd64", "arm64").
func (a Architecture) Platform() string {
	if a == ArchARM64 {
		return "arm64"
	}
	return "amd64"
}

// Accelerator is the co-processor class attached to a tier.
type Accelerator string

// Supported accelerator classes.
const (
	AcceleratorNone Accelerator = "NONE"
	AcceleratorGPU  Accelerator = "GPU"
	AcceleratorML   Accelerator = "ML"
)

// Workspace tiers.
const (
	TierStarter      types.Tier = "starter"
	TierStandard     types.Tier = "standard"
	TierPerformance  types.Tier = "performance"
	TierARMStandard  types.Tier = "arm_standard"
	TierGPUT4        types.Tier = "gpu_t4"
	TierGPUA10G      types.Tier = "gpu_a10g"
	TierMLInferentia types.Tier = "ml_inferentia"
)

// DefaultTier is used whenever a tier is unknown.
const DefaultTier = TierStarter

// HardwareSpec describes what a tier is provisioned with.
type HardwareSpec struct {
	Tier                    types.Tier   `json:"tier"`
	VCPU                    int          `json:"vcpu"`
	MemoryMB                int          `json:"memory_mb"`
	Architecture            Architecture `json:"architecture"`
	Accelerator             Accelerator  `json:"accelerator"`
	RequiresInstanceBackend bool         `json:"requires_instance_backend"`
	HourlyRate              float64      `json:"hourly_rate"`

	// InstanceType and Pool are only meaningful for the instance-pool
	// backend: the EC2 instance type to launch, and the named pool whose
	// machine image it launches from.
	InstanceType string `json:"instance_type,omitempty"`
	Pool         string `json:"pool,omitempty"`
}

// Validate enforces the invariants every spec must hold. Accelerators and
// non-default architectures can only be hosted by the instance pool.
func (s HardwareSpec) Validate() error {
	if s.VCPU <= 0 || s.MemoryMB <= 0 {
		return utils.MakeError("tier %s: vcpu and memory must be positive, got %d vcpu and %d MB", s.Tier, s.VCPU, s.MemoryMB)
	}
	if s.Accelerator != AcceleratorNone && !s.RequiresInstanceBackend {
		return utils.MakeError("tier %s: accelerator %s requires the instance backend", s.Tier, s.Accelerator)
	}
	if s.Architecture != DefaultArchitecture && !s.RequiresInstanceBackend {
		return utils.MakeError("tier %s: architecture %s requires the instance backend", s.Tier, s.Architecture)
	}
	if s.RequiresInstanceBackend && (s.InstanceType == "" || s.Pool == "") {
		return utils.MakeError("tier %s: instance backend tiers need an instance type and pool", s.Tier)
	}
	return nil
}

var defaultSpecs = []HardwareSpec{
	{Tier: TierStarter, VCPU: 2, MemoryMB: 4096, Architecture: ArchX86_64, Accelerator: AcceleratorNone, HourlyRate: 0.10},
	{Tier: TierStandard, VCPU: 4, MemoryMB: 8192, Architecture: ArchX86_64, Accelerator: AcceleratorNone, HourlyRate: 0.20},
	{Tier: TierPerformance, VCPU: 8, MemoryMB: 16384, Architecture: ArchX86_64, Accelerator: AcceleratorNone, HourlyRate: 0.40},
	{Tier: TierARMStandard, VCPU: 4, MemoryMB: 8192, Architecture: ArchARM64, Accelerator: AcceleratorNone, RequiresInstanceBackend: true, HourlyRate: 0.16, InstanceType: "m7g.xlarge", Pool: "arm64"},
	{Tier: TierGPUT4, VCPU: 8, MemoryMB: 32768, Architecture: ArchX86_64, Accelerator: AcceleratorGPU, RequiresInstanceBackend: true, HourlyRate: 0.75, InstanceType: "g4dn.2xlarge", Pool: "gpu"},
	{Tier: TierGPUA10G, VCPU: 8, MemoryMB: 32768, Architecture: ArchX86_64, Accelerator: AcceleratorGPU, RequiresInstanceBackend: true, HourlyRate: 1.21, InstanceType: "g5.2xlarge", Pool: "gpu"},
	{Tier: TierMLInferentia, VCPU: 4, MemoryMB: 16384, Architecture: ArchX86_64, Accelerator: AcceleratorML, RequiresInstanceBackend: true, HourlyRate: 0.76, InstanceType: "inf2.xlarge", Pool: "ml"},
}

// Catalog is an immutable tier lookup table. The zero value is not usable;
// build one with Default.
type Catalog struct {
	specs  map[types.Tier]HardwareSpec
	order  []types.Tier
	images ImageTable
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{
		specs:  make(map[types.Tier]HardwareSpec, len(defaultSpecs)),
		images: DefaultImages(),
	}
	for _, s := range defaultSpecs {
		c.specs[s.Tier] = s
		c.order = append(c.order, s.Tier)
	}
	return c
}

// WithOverride returns a copy of the catalog where tier resolves to spec.
// Admin-provided specs are validated before they are accepted.
func (c *Catalog) WithOverride(spec HardwareSpec) (*Catalog, error) {
	if spec.Tier == "" {
		return nil, utils.MakeError("override is missing a tier name")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	next := &Catalog{
		specs:  make(map[types.Tier]HardwareSpec, len(c.specs)+1),
		order:  append([]types.Tier(nil), c.order...),
		images: c.images,
	}
	for k, v := range c.specs {
		next.specs[k] = v
	}
	if _, exists := next.specs[spec.Tier]; !exists {
		next.order = append(next.order, spec.Tier)
	}
	next.specs[spec.Tier] = spec
	return next, nil
}

// WithImages returns a copy of the catalog using the given default images.
func (c *Catalog) WithImages(images ImageTable) *Catalog {
	next := *c
	next.images = images
	return &next
}

// Spec returns the hardware for tier. Unknown tiers resolve to the default
// tier's spec; this never fails.
func (c *Catalog) Spec(tier types.Tier) HardwareSpec {
	if s, ok := c.specs[tier]; ok {
		return s
	}
	return c.specs[DefaultTier]
}

// Known reports whether tier is explicitly present in the catalog.
func (c *Catalog) Known(tier types.Tier) bool {
	_, ok := c.specs[tier]
	return ok
}

// Tiers lists every tier in the catalog, in a stable order.
func (c *Catalog) Tiers() []types.Tier {
	return append([]types.Tier(nil), c.order...)
}
