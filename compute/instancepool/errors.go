package instancepool

import (
	"strings"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

var awsErrorKinds = compute.AWSErrorKinds{
	"InsufficientInstanceCapacity": compute.KindCapacity,
	"InstanceLimitExceeded":        compute.KindCapacity,
	"Unsupported":                  compute.KindCapacity,
	"RequestLimitExceeded":         compute.KindCapacity,
	"InvalidAMIID.*":               compute.KindConfig,
	"InvalidParameter*":            compute.KindConfig,
	"InvalidSubnetID.*":            compute.KindConfig,
	"InvalidGroup.*":               compute.KindConfig,
	"UnauthorizedOperation":        compute.KindConfig,
	"InvalidInstanceID.*":          compute.KindNotFound,
	"InvalidInstanceId":            compute.KindNotFound,
}

func classify(op string, id types.WorkspaceID, err error) error {
	if e := compute.ClassifyAWSError(op, id, err, awsErrorKinds); e != nil {
		return e
	}
	return nil
}

func isNotFound(err error) bool {
	code := compute.AWSErrorCode(err)
	return strings.HasPrefix(code, "InvalidInstanceID.") || code == "InvalidInstanceId"
}
