package catalog // import "github.com/whisthq/whist/backend/workspaces/catalog"

// imageKey selects a default image by accelerator and architecture.
type imageKey struct {
	Accelerator  Accelerator
	Architecture Architecture
}

// ImageTable holds the default workspace image per accelerator/architecture.
type ImageTable map[imageKey]string

// With returns a copy of t with image registered for the combination.
func (t ImageTable) With(accel Accelerator, arch Architecture, image string) ImageTable {
	next := make(ImageTable, len(t)+1)
	for k, v := range t {
		next[k] = v
	}
	next[imageKey{accel, arch}] = image
	return next
}

// DefaultImages returns the images published for each supported combination.
func DefaultImages() ImageTable {
	const repo = "public.ecr.aws/whist/workspace"
	return ImageTable{
		{AcceleratorNone, ArchX86_64}: repo + ":cpu-amd64",
		{AcceleratorNone, ArchARM64}:  repo + ":cpu-arm64",
		{AcceleratorGPU, ArchX86_64}:  repo + ":gpu-amd64",
		{AcceleratorGPU, ArchARM64}:   repo + ":gpu-arm64",
		{AcceleratorML, ArchX86_64}:   repo + ":neuron-amd64",
	}
}

// SelectImage picks the image a workspace boots. An explicit override always
// wins. Otherwise we use the accelerator and architecture default, falling
// back to the accelerator's x86_64 image, and finally to the plain CPU image.
// An accelerator image is never chosen for a spec without that accelerator.
func (c *Catalog) SelectImage(baseImageOverride string, spec HardwareSpec) string {
	if baseImageOverride != "" {
		return baseImageOverride
	}
	if img, ok := c.images[imageKey{spec.Accelerator, spec.Architecture}]; ok {
		return img
	}
	if img, ok := c.images[imageKey{spec.Accelerator, ArchX86_64}]; ok {
		return img
	}
	return c.images[imageKey{AcceleratorNone, ArchX86_64}]
}
