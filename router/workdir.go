package router // import "github.com/whisthq/whist/backend/workspaces/router"

import (
	"context"

	"github.com/whisthq/whist/backend/workspaces/rpc"
	"github.com/whisthq/whist/backend/workspaces/types"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// The working directory of an operation is resolved through an ordered
// chain, first match wins:
//
//  1. the directory the caller passed;
//  2. the session's persisted mount_path;
//  3. the default the pod reports for the workspace;
//  4. ".".
//
// Levels 2 and 3 only apply to local pod workspaces. The chain is what lets
// a pod that restarted with an empty cache keep running commands in the
// right place: the persisted mount_path survives the restart.

// FallbackWorkingDir is the last level of the chain.
const FallbackWorkingDir = "."

// explicitWorkingDir is level 1.
func explicitWorkingDir(explicit string) (string, bool) {
	return explicit, explicit != ""
}

// sessionWorkingDir is level 2. A store failure skips the level.
func (r *Router) sessionWorkingDir(ctx context.Context, t *target) (string, bool) {
	if !t.isPod() {
		return "", false
	}
	settings, err := r.store.GetSessionSettings(ctx, t.rec.SessionID)
	if err != nil {
		logger.Warnw("Failed to load session settings while resolving the working directory",
			zap.String("workspace_id", string(t.rec.WorkspaceID)), zap.Error(err))
		return "", false
	}
	return settings.MountPath, settings.MountPath != ""
}

// podWorkingDir is level 3. It asks the pod, which only knows the answer
// if the workspace is in its cache. Any failure skips the level.
func (r *Router) podWorkingDir(ctx context.Context, t *target) (string, bool) {
	if !t.isPod() {
		return "", false
	}
	var res rpc.GetResult
	if err := r.call(ctx, t, rpc.MethodWorkspaceGet, rpc.WorkspaceParams{WorkspaceID: t.rec.WorkspaceID}, &res, 0); err != nil {
		logger.Warnw("Failed to ask the pod for its working directory",
			zap.String("workspace_id", string(t.rec.WorkspaceID)), zap.String("pod_id", string(t.pod)), zap.Error(err))
		return "", false
	}
	if res.Workspace == nil {
		return "", false
	}
	return res.WorkingDir, res.WorkingDir != ""
}

// workingDir runs the chain for t.
func (r *Router) workingDir(ctx context.Context, t *target, explicit string) string {
	if dir, ok := explicitWorkingDir(explicit); ok {
		return dir
	}
	if dir, ok := r.sessionWorkingDir(ctx, t); ok {
		return dir
	}
	if dir, ok := r.podWorkingDir(ctx, t); ok {
		return dir
	}
	return FallbackWorkingDir
}

// GetWorkspaceWorkingDir resolves the working directory operations on the
// workspace run in when the caller passes explicit.
func (r *Router) GetWorkspaceWorkingDir(ctx context.Context, id types.WorkspaceID, explicit string) (string, error) {
	const op = "get_workspace_working_dir"
	if dir, ok := explicitWorkingDir(explicit); ok {
		return dir, nil
	}
	t, err := r.route(ctx, op, id)
	if err != nil {
		return "", observe(op, err)
	}
	return r.workingDir(ctx, t, ""), nil
}
