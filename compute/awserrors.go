package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// AWSErrorKinds maps AWS API error codes to failure kinds. A key ending in
// "*" matches every code with that prefix. Exact codes win over patterns,
// and the longest matching prefix wins among patterns.
type AWSErrorKinds map[string]Kind

func (k AWSErrorKinds) lookup(code string) (Kind, bool) {
	if kind, ok := k[code]; ok {
		return kind, true
	}
	var (
		best  string
		found bool
		match Kind
	)
	for pattern, kind := range k {
		prefix, ok := wildcardPrefix(pattern)
		if !ok || !strings.HasPrefix(code, prefix) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best, found, match = prefix, true, kind
		}
	}
	return match, found
}

func wildcardPrefix(pattern string) (string, bool) {
	if !strings.HasSuffix(pattern, "*") {
		return "", false
	}
	return strings.TrimSuffix(pattern, "*"), true
}

// ClassifyAWSError converts an error returned by an AWS client into an
// Error. Deadlines become timeouts, API errors are looked up in kinds, and
// anything that never got an API response is a connectivity failure.
func ClassifyAWSError(op string, id types.WorkspaceID, err error, kinds AWSErrorKinds) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Op: op, WorkspaceID: id, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := kinds.lookup(apiErr.ErrorCode()); ok {
			return &Error{Kind: kind, Op: op, WorkspaceID: id, Err: err}
		}
		return &Error{Kind: KindInternal, Op: op, WorkspaceID: id, Err: err}
	}
	return &Error{Kind: KindConnectivity, Op: op, WorkspaceID: id, Err: err}
}

// AWSErrorCode returns the API error code of err, or "".
func AWSErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
