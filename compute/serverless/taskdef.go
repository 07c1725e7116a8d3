package serverless

import (
	"context"
	"regexp"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// A task definition is registered once per distinct (image, arch, cpu,
// memory) and reused for every later workspace with the same shape.
type taskDefKey struct {
	image    string
	arch     catalog.Architecture
	cpuUnits int
	memoryMB int
}

var familySanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// family is the task definition family name for k. ECS allows up to 255
// letters, digits, hyphens and underscores.
func (k taskDefKey) family() string {
	name := utils.Sprintf("workspace-%s-%d-%d-%s", k.arch, k.cpuUnits, k.memoryMB, k.image)
	name = familySanitizer.ReplaceAllString(name, "_")
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

func keyFor(image string, spec catalog.HardwareSpec) taskDefKey {
	return taskDefKey{
		image:    image,
		arch:     spec.Architecture,
		cpuUnits: spec.VCPU * 1024,
		memoryMB: spec.MemoryMB,
	}
}

func cpuArchitecture(arch catalog.Architecture) ecstypes.CPUArchitecture {
	if arch == catalog.ArchARM64 {
		return ecstypes.CPUArchitectureArm64
	}
	return ecstypes.CPUArchitectureX8664
}

// ensureTaskDefinition returns the ARN of a task definition for image and
// spec, registering one on a cache miss.
func (m *Manager) ensureTaskDefinition(ctx context.Context, image string, spec catalog.HardwareSpec) (string, error) {
	key := keyFor(image, spec)

	m.taskDefLock.Lock()
	defer m.taskDefLock.Unlock()
	if arn, ok := m.taskDefs[key]; ok {
		return arn, nil
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(key.family()),
		Cpu:                     aws.String(strconv.Itoa(key.cpuUnits)),
		Memory:                  aws.String(strconv.Itoa(key.memoryMB)),
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		RuntimePlatform: &ecstypes.RuntimePlatform{
			CpuArchitecture:       cpuArchitecture(key.arch),
			OperatingSystemFamily: ecstypes.OSFamilyLinux,
		},
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:      aws.String(ContainerName),
			Image:     aws.String(image),
			Essential: aws.Bool(true),
			PortMappings: []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(int32(m.cfg.AgentPort)),
				Protocol:      ecstypes.TransportProtocolTcp,
			}},
		}},
	}
	if m.cfg.ExecutionRoleARN != "" {
		input.ExecutionRoleArn = aws.String(m.cfg.ExecutionRoleARN)
	}

	out, err := m.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return "", err
	}
	if out.TaskDefinition == nil || out.TaskDefinition.TaskDefinitionArn == nil {
		return "", utils.MakeError("ECS registered task definition %s without returning an ARN", key.family())
	}

	arn := aws.ToString(out.TaskDefinition.TaskDefinitionArn)
	m.taskDefs[key] = arn
	logger.Infof("Registered task definition %s for image %s", arn, image)
	return arn, nil
}
