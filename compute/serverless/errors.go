package serverless

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

var ecsErrorKinds = compute.AWSErrorKinds{
	"ClientException":                                compute.KindConfig,
	"InvalidParameterException":                      compute.KindConfig,
	"ClusterNotFoundException":                       compute.KindConfig,
	"PlatformUnknownException":                       compute.KindConfig,
	"PlatformTaskDefinitionIncompatibilityException": compute.KindConfig,
	"AccessDeniedException":                          compute.KindConfig,
	"LimitExceededException":                         compute.KindCapacity,
	"ThrottlingException":                            compute.KindCapacity,
	"ServerException":                                compute.KindCapacity,
	"BlockedException":                               compute.KindCapacity,
}

func classify(op string, id types.WorkspaceID, err error) error {
	if e := compute.ClassifyAWSError(op, id, err, ecsErrorKinds); e != nil {
		return e
	}
	return nil
}

// classifyFailure maps a RunTask failure. Resource and capacity reasons can
// succeed later; anything else is a problem with what we asked for.
func classifyFailure(op string, id types.WorkspaceID, f ecstypes.Failure) error {
	reason := aws.ToString(f.Reason)
	detail := aws.ToString(f.Detail)
	lower := strings.ToLower(reason)
	if strings.HasPrefix(reason, "RESOURCE:") || strings.Contains(lower, "capacity") {
		return compute.CapacityError(op, id, "ECS could not place the task: %s %s", reason, detail)
	}
	return compute.ConfigError(op, id, "ECS refused the task: %s %s", reason, detail)
}

// isMissingTask reports whether err means the task is already gone.
func isMissingTask(err error) bool {
	if compute.AWSErrorCode(err) != "InvalidParameterException" {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
