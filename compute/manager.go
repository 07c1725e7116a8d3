// Package compute defines the operation contract every workspace backend
// implements, along with the pieces the backends share: the in-process
// workspace index, injection-safe shell templates, failure-tolerant output
// parsers, the preview proxy and the idle sweep.
package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/whisthq/whist/backend/workspaces/types"
)

// A Status is the lifecycle state of a workspace. Workspaces only ever move
// forward: CREATING -> RUNNING -> STOPPED, then they are removed on delete.
// A restart is a brand new create.
type Status string

// Workspace statuses.
const (
	StatusCreating Status = "CREATING"
	StatusRunning  Status = "RUNNING"
	StatusStopped  Status = "STOPPED"
)

var statusRank = map[Status]int{StatusCreating: 0, StatusRunning: 1, StatusStopped: 2}

// Advance returns the later of two statuses, so that a stale backend report
// never moves a workspace backwards.
func Advance(from, to Status) Status {
	if statusRank[to] < statusRank[from] {
		return from
	}
	return to
}

// DefaultExecTimeout bounds exec calls that don't specify a timeout.
const DefaultExecTimeout = 60 * time.Second

// TimedOutExitCode is what a timed-out command reports, matching coreutils'
// timeout(1).
const TimedOutExitCode = 124

// GitIdentity is the author identity configured inside a workspace.
type GitIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// WorkspaceConfig is everything a caller gets to choose about a workspace.
// It is consumed once by CreateWorkspace and never modified afterwards.
type WorkspaceConfig struct {
	Tier        types.Tier        `json:"tier"`
	Repos       []string          `json:"repos,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	BaseImage   string            `json:"base_image,omitempty"`
	GitIdentity GitIdentity       `json:"git_identity,omitempty"`
	TemplateID  types.TemplateID  `json:"template_id,omitempty"`
}

// ContainerEnvironment is the environment every workspace container starts
// with. Config variables can't override the ones set from the workspace
// itself.
func ContainerEnvironment(id types.WorkspaceID, cfg WorkspaceConfig) map[string]string {
	env := make(map[string]string, len(cfg.EnvVars)+7)
	for k, v := range cfg.EnvVars {
		env[k] = v
	}
	env["WORKSPACE_ID"] = string(id)
	if len(cfg.Repos) > 0 {
		env["WORKSPACE_REPOS"] = strings.Join(cfg.Repos, " ")
	}
	if cfg.TemplateID != "" {
		env["WORKSPACE_TEMPLATE_ID"] = string(cfg.TemplateID)
	}
	if cfg.GitIdentity.Name != "" {
		env["GIT_AUTHOR_NAME"] = cfg.GitIdentity.Name
		env["GIT_COMMITTER_NAME"] = cfg.GitIdentity.Name
	}
	if cfg.GitIdentity.Email != "" {
		env["GIT_AUTHOR_EMAIL"] = cfg.GitIdentity.Email
		env["GIT_COMMITTER_EMAIL"] = cfg.GitIdentity.Email
	}
	return env
}

// WorkspaceInfo is a snapshot of a workspace. It is owned by the manager that
// created it; everybody else only ever sees copies.
type WorkspaceInfo struct {
	ID        types.WorkspaceID `json:"id"`
	UserID    types.UserID      `json:"user_id"`
	SessionID types.SessionID   `json:"session_id"`
	Status    Status            `json:"status"`
	Tier      types.Tier        `json:"tier"`
	Host      string            `json:"host,omitempty"`
	Port      int               `json:"port,omitempty"`

	// Backend is the discriminant recorded at creation time; every later
	// call is dispatched on it.
	Backend types.Endpoint `json:"backend"`
	// BackendHandle is the backend's own name for the workspace: a task ARN,
	// an instance ID or a container ID.
	BackendHandle string `json:"backend_handle,omitempty"`

	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of w.
func (w *WorkspaceInfo) Clone() *WorkspaceInfo {
	if w == nil {
		return nil
	}
	c := *w
	if w.Metadata != nil {
		c.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ExecResult is the outcome of a command inside a workspace. A non-zero
// ExitCode is a normal result, not an error.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Succeeded reports whether the command exited zero within its deadline.
func (r *ExecResult) Succeeded() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// TimedOutResult is the result reported when a command passes its deadline.
func TimedOutResult(timeout time.Duration) *ExecResult {
	return &ExecResult{
		ExitCode: TimedOutExitCode,
		Stderr:   "command timed out after " + timeout.String(),
		TimedOut: true,
	}
}

// ExecChunk is one piece of streamed command output. The final chunk has
// Stream == StreamExit and carries the exit code.
type ExecChunk struct {
	Stream   string `json:"stream"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Stream names used in ExecChunk.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamExit   = "exit"
)

// FileEntry is one entry of a directory listing.
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// File entry types.
const (
	FileTypeFile      = "file"
	FileTypeDirectory = "directory"
	FileTypeSymlink   = "symlink"
	FileTypeOther     = "other"
)

// PortInfo is a listening port inside a workspace.
type PortInfo struct {
	Port    int    `json:"port"`
	Process string `json:"process"`
}

// ProxyRequest is an HTTP request to forward to a port inside a workspace.
type ProxyRequest struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	Port        int               `json:"port"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Query       string            `json:"query,omitempty"`
	Headers     http.Header       `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// ProxyResponse is what the workspace answered.
type ProxyResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Manager is the operation contract shared by every backend. Operations on
// different workspaces may run concurrently; operations on the same
// workspace are not serialised here.
type Manager interface {
	// CreateWorkspace provisions a workspace and returns it in CREATING. An
	// empty id means the manager generates one.
	CreateWorkspace(ctx context.Context, userID types.UserID, sessionID types.SessionID, cfg WorkspaceConfig, id types.WorkspaceID) (*WorkspaceInfo, error)
	// GetWorkspace refreshes a snapshot of the workspace from the backend.
	// It returns nil and no error for unknown workspaces, and never waits
	// for the workspace to become RUNNING.
	GetWorkspace(ctx context.Context, id types.WorkspaceID) (*WorkspaceInfo, error)
	// StopWorkspace is idempotent and a no-op for unknown workspaces.
	StopWorkspace(ctx context.Context, id types.WorkspaceID) error
	// DeleteWorkspace stops the workspace, releases its backend resources
	// and forgets it. Unless preserveFiles is set, its files are purged on a
	// best-effort basis. Idempotent.
	DeleteWorkspace(ctx context.Context, id types.WorkspaceID, preserveFiles bool) error
	// ListWorkspaces filters the in-process index; empty filters match all.
	ListWorkspaces(userID types.UserID, sessionID types.SessionID) []*WorkspaceInfo

	// ExecCommand runs command through sh inside the workspace. It returns
	// an error only when the command couldn't be run at all.
	ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*ExecResult, error)
	ReadFile(ctx context.Context, id types.WorkspaceID, path string) ([]byte, error)
	WriteFile(ctx context.Context, id types.WorkspaceID, path string, content []byte) error
	// ListFiles never fails; anything unexpected yields an empty listing.
	ListFiles(ctx context.Context, id types.WorkspaceID, path string) []FileEntry
	// GetActivePorts never fails; anything unexpected yields no ports.
	GetActivePorts(ctx context.Context, id types.WorkspaceID) []PortInfo

	// GetPreviewURL returns a routable URL only for RUNNING workspaces with a
	// known host.
	GetPreviewURL(ctx context.Context, id types.WorkspaceID, port int) (string, bool)
	ProxyRequest(ctx context.Context, req ProxyRequest) (*ProxyResponse, error)

	Heartbeat(ctx context.Context, id types.WorkspaceID) error
	// CleanupIdleWorkspaces deletes, one at a time, every workspace idle for
	// longer than timeout and returns the ids it deleted.
	CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID
}

// StreamExecer is implemented by backends that can stream command output as
// it is produced. The channel is closed after the StreamExit chunk.
type StreamExecer interface {
	ExecCommandStream(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (<-chan ExecChunk, error)
}

// Execer is the single primitive the shared file and listing helpers need.
type Execer interface {
	ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*ExecResult, error)
}

// WorkspaceUpdate changes a live workspace. Only the fields that are set are
// applied; a tier change only takes effect on the next restart.
type WorkspaceUpdate struct {
	Tier        types.Tier        `json:"tier,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	GitIdentity *GitIdentity      `json:"git_identity,omitempty"`
}

// Apply returns cfg with the update merged in.
func (u WorkspaceUpdate) Apply(cfg WorkspaceConfig) WorkspaceConfig {
	if u.Tier != "" {
		cfg.Tier = u.Tier
	}
	if len(u.EnvVars) > 0 {
		env := make(map[string]string, len(cfg.EnvVars)+len(u.EnvVars))
		for k, v := range cfg.EnvVars {
			env[k] = v
		}
		for k, v := range u.EnvVars {
			env[k] = v
		}
		cfg.EnvVars = env
	}
	if u.GitIdentity != nil {
		cfg.GitIdentity = *u.GitIdentity
	}
	return cfg
}

// TerminalSession is an interactive shell inside a workspace. Supported is
// false for workspaces whose backend has no terminals, in which case ID is
// empty.
type TerminalSession struct {
	ID        types.TerminalID `json:"id"`
	Supported bool             `json:"supported"`
}
