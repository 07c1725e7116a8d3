package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/whisthq/whist/backend/workspaces/types"
)

func TestSpecIsTotal(t *testing.T) {
	c := Default()

	for _, tier := range c.Tiers() {
		if got := c.Spec(tier); got.Tier != tier {
			t.Errorf("expected spec for tier %s, got spec for %s", tier, got.Tier)
		}
	}

	unknown := []types.Tier{"", "does-not-exist", "GPU_T4"}
	for _, tier := range unknown {
		if diff := cmp.Diff(c.Spec(DefaultTier), c.Spec(tier)); diff != "" {
			t.Errorf("expected unknown tier %q to resolve to the default spec (-want +got):\n%s", tier, diff)
		}
	}
}

func TestSpecIsDeterministic(t *testing.T) {
	a, b := Default(), Default()
	for _, tier := range a.Tiers() {
		if diff := cmp.Diff(a.Spec(tier), b.Spec(tier)); diff != "" {
			t.Errorf("spec for %s differs between catalogs (-a +b):\n%s", tier, diff)
		}
	}
}

func TestAcceleratorImpliesInstanceBackend(t *testing.T) {
	c := Default()
	for _, tier := range c.Tiers() {
		spec := c.Spec(tier)
		if spec.Accelerator != AcceleratorNone && !spec.RequiresInstanceBackend {
			t.Errorf("tier %s has accelerator %s but does not require the instance backend", tier, spec.Accelerator)
		}
		if err := spec.Validate(); err != nil {
			t.Errorf("default tier %s failed validation: %v", tier, err)
		}
	}
}

func TestWithOverrideRejectsInvalidSpecs(t *testing.T) {
	c := Default()

	testMap := []struct {
		name string
		spec HardwareSpec
	}{
		{"gpu on serverless", HardwareSpec{Tier: "bad_gpu", VCPU: 4, MemoryMB: 8192, Architecture: ArchX86_64, Accelerator: AcceleratorGPU}},
		{"arm on serverless", HardwareSpec{Tier: "bad_arm", VCPU: 4, MemoryMB: 8192, Architecture: ArchARM64, Accelerator: AcceleratorNone}},
		{"instance tier without pool", HardwareSpec{Tier: "bad_pool", VCPU: 4, MemoryMB: 8192, Architecture: ArchX86_64, Accelerator: AcceleratorGPU, RequiresInstanceBackend: true, InstanceType: "g4dn.xlarge"}},
		{"zero memory", HardwareSpec{Tier: "bad_mem", VCPU: 4, Architecture: ArchX86_64, Accelerator: AcceleratorNone}},
		{"missing name", HardwareSpec{VCPU: 1, MemoryMB: 1, Architecture: ArchX86_64, Accelerator: AcceleratorNone}},
	}

	for _, tt := range testMap {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.WithOverride(tt.spec); err == nil {
				t.Errorf("expected override %+v to be rejected", tt.spec)
			}
		})
	}
}

func TestWithOverrideAddsTier(t *testing.T) {
	c := Default()
	spec := HardwareSpec{Tier: "xl", VCPU: 16, MemoryMB: 32768, Architecture: ArchX86_64, Accelerator: AcceleratorNone, HourlyRate: 0.8}

	next, err := c.WithOverride(spec)
	if err != nil {
		t.Fatalf("unexpected error adding override: %v", err)
	}
	if diff := cmp.Diff(spec, next.Spec("xl")); diff != "" {
		t.Errorf("override mismatch (-want +got):\n%s", diff)
	}
	if c.Known("xl") {
		t.Errorf("WithOverride must not mutate the original catalog")
	}
	if got := len(next.Tiers()); got != len(c.Tiers())+1 {
		t.Errorf("expected %d tiers after override, got %d", len(c.Tiers())+1, got)
	}
}

func TestSelectImage(t *testing.T) {
	c := Default()
	images := DefaultImages()

	testMap := []struct {
		name     string
		override string
		tier     types.Tier
		want     string
	}{
		{"override wins over cpu default", "ghcr.io/acme/dev:1", TierStarter, "ghcr.io/acme/dev:1"},
		{"override wins over gpu default", "ghcr.io/acme/cuda:12", TierGPUT4, "ghcr.io/acme/cuda:12"},
		{"cpu default", "", TierStandard, images[imageKey{AcceleratorNone, ArchX86_64}]},
		{"arm default", "", TierARMStandard, images[imageKey{AcceleratorNone, ArchARM64}]},
		{"gpu default", "", TierGPUA10G, images[imageKey{AcceleratorGPU, ArchX86_64}]},
		{"ml default", "", TierMLInferentia, images[imageKey{AcceleratorML, ArchX86_64}]},
	}

	for _, tt := range testMap {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.SelectImage(tt.override, c.Spec(tt.tier)); got != tt.want {
				t.Errorf("expected image %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSelectImageNeverPicksAcceleratorImageForCPU(t *testing.T) {
	// A table that only knows about GPU images must still not hand one to a
	// CPU tier.
	c := Default().WithImages(ImageTable{}.With(AcceleratorGPU, ArchX86_64, "gpu-only"))
	if got := c.SelectImage("", c.Spec(TierStarter)); got == "gpu-only" {
		t.Errorf("cpu tier was given an accelerator image")
	}
}

func TestArchitecturePlatform(t *testing.T) {
	if ArchARM64.Platform() != "arm64" || ArchX86_64.Platform() != "amd64" {
		t.Errorf("unexpected platform mapping: %s %s", ArchARM64.Platform(), ArchX86_64.Platform())
	}
}
