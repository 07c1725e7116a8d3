package rpc // import "github.com/whisthq/whist/backend/workspaces/rpc"

import (
	"time"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// CreateParams are the params of WORKSPACE_CREATE.
type CreateParams struct {
	WorkspaceID types.WorkspaceID       `json:"workspace_id"`
	UserID      types.UserID            `json:"user_id"`
	SessionID   types.SessionID         `json:"session_id"`
	Config      compute.WorkspaceConfig `json:"config"`
}

// WorkspaceParams are the params of methods that only need a workspace:
// WORKSPACE_GET, WORKSPACE_STOP, WORKSPACE_HEARTBEAT and HEALTH_CHECK.
type WorkspaceParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
}

// GetResult is the result of WORKSPACE_GET. Workspace is nil when the pod
// doesn't know the workspace.
type GetResult struct {
	Workspace  *compute.WorkspaceInfo `json:"workspace"`
	WorkingDir string                 `json:"working_dir,omitempty"`
}

// UpdateParams are the params of WORKSPACE_UPDATE.
type UpdateParams struct {
	WorkspaceID types.WorkspaceID       `json:"workspace_id"`
	Update      compute.WorkspaceUpdate `json:"update"`
}

// DeleteParams are the params of WORKSPACE_DELETE.
type DeleteParams struct {
	WorkspaceID   types.WorkspaceID `json:"workspace_id"`
	PreserveFiles bool              `json:"preserve_files"`
}

// PathParams are the params of WORKSPACE_LIST_FILES and WORKSPACE_READ_FILE.
// Relative paths are resolved against WorkingDir.
type PathParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	Path        string            `json:"path"`
	WorkingDir  string            `json:"working_dir,omitempty"`
}

// ReadFileResult is the result of WORKSPACE_READ_FILE.
type ReadFileResult struct {
	Content []byte `json:"content"`
}

// WriteFileParams are the params of WORKSPACE_WRITE_FILE.
type WriteFileParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	Path        string            `json:"path"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Content     []byte            `json:"content"`
}

// ExecParams are the params of WORKSPACE_EXEC. The result is a
// compute.ExecResult.
type ExecParams struct {
	WorkspaceID    types.WorkspaceID `json:"workspace_id"`
	Command        string            `json:"command"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
}

// Timeout returns the requested timeout, or the default one.
func (p ExecParams) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return compute.DefaultExecTimeout
	}
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// TerminalCreateParams are the params of TERMINAL_CREATE. The result is a
// compute.TerminalSession.
type TerminalCreateParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
}

// TerminalInputParams are the params of TERMINAL_INPUT.
type TerminalInputParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	TerminalID  types.TerminalID  `json:"terminal_id"`
	Data        string            `json:"data"`
}

// TerminalResizeParams are the params of TERMINAL_RESIZE.
type TerminalResizeParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	TerminalID  types.TerminalID  `json:"terminal_id"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
}

// TerminalCloseParams are the params of TERMINAL_CLOSE.
type TerminalCloseParams struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	TerminalID  types.TerminalID  `json:"terminal_id"`
}

// Capabilities describes the hardware of a pod.
type Capabilities struct {
	Hostname string   `json:"hostname,omitempty"`
	OS       string   `json:"os,omitempty"`
	Arch     string   `json:"arch,omitempty"`
	CPUs     int      `json:"cpus"`
	MemoryMB uint64   `json:"memory_mb"`
	GPUs     []string `json:"gpus,omitempty"`
	// MaxWorkspaces is the pod's concurrent workspace ceiling.
	MaxWorkspaces int `json:"max_workspaces"`
	Workspaces    int `json:"workspaces"`
}

// HealthResult is the result of HEALTH_CHECK.
type HealthResult struct {
	Healthy      bool          `json:"healthy"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}
