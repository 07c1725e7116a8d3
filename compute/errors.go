package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"errors"

	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// Kind classifies a failure so that callers (and ultimately the UI) can tell
// "your machine is offline" apart from "we couldn't allocate resources".
type Kind string

// Failure kinds. An ordinary non-zero exit inside a workspace is never an
// error, and a listing that can't be parsed degrades to an empty result, so
// neither has a kind.
const (
	// KindConfig is a configuration problem (missing image, endpoint,
	// pool). Fatal, not worth retrying.
	KindConfig Kind = "config"
	// KindCapacity means the backend had nowhere to place the workspace.
	// Fatal for this call, retryable later.
	KindCapacity Kind = "capacity"
	// KindLimit means a local pod is at its concurrent workspace ceiling.
	// Unlike KindCapacity, retrying won't help until something is deleted.
	KindLimit Kind = "limit"
	// KindConnectivity covers offline pods, unreachable proxy targets and
	// broken transports.
	KindConnectivity Kind = "connectivity"
	// KindTimeout means a remote call passed its deadline.
	KindTimeout Kind = "timeout"
	// KindNotFound means the workspace doesn't exist.
	KindNotFound Kind = "not_found"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is a classified failure from a manager, the RPC layer or the router.
type Error struct {
	Kind        Kind
	Op          string
	WorkspaceID types.WorkspaceID
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.WorkspaceID != "" {
		msg += " (workspace " + string(e.WorkspaceID) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.WorkspaceID == "" && t.Err == nil
}

// Retryable reports whether a caller may reasonably retry the same call.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindCapacity, KindConnectivity, KindTimeout:
		return true
	default:
		return false
	}
}

func newError(kind Kind, op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, WorkspaceID: id, Err: utils.MakeError(format, v...)}
}

// ConfigError reports a fatal configuration problem.
func ConfigError(op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return newError(KindConfig, op, id, format, v...)
}

// CapacityError reports a placement failure.
func CapacityError(op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return newError(KindCapacity, op, id, format, v...)
}

// LimitError reports that a pod is at its concurrent workspace ceiling.
func LimitError(op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return newError(KindLimit, op, id, format, v...)
}

// UnreachableError reports a connectivity failure.
func UnreachableError(op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return newError(KindConnectivity, op, id, format, v...)
}

// TimeoutError reports a remote call that passed its deadline.
func TimeoutError(op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return newError(KindTimeout, op, id, format, v...)
}

// InternalError reports a failure that fits no other kind.
func InternalError(op string, id types.WorkspaceID, format string, v ...interface{}) *Error {
	return newError(KindInternal, op, id, format, v...)
}

// NotFoundError reports an unknown workspace.
func NotFoundError(op string, id types.WorkspaceID) *Error {
	return &Error{Kind: KindNotFound, Op: op, WorkspaceID: id, Err: errors.New("workspace not found")}
}

// KindOf returns the kind of err, or KindInternal if it isn't classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// ErrStreamingUnsupported is returned by ExecCommandStream when the backend
// can only run commands to completion.
var ErrStreamingUnsupported = errors.New("backend does not support streaming exec")
