package router // import "github.com/whisthq/whist/backend/workspaces/router"

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/rpc"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// rpcExecMargin is added to the exec timeout for the RPC carrying it, so
// that a timed-out command is reported by the pod and not by the transport.
const rpcExecMargin = 10 * time.Second

// resolvePath joins relative paths onto the working directory. Pods do this
// themselves, so this only applies to cloud workspaces.
func resolvePath(p, workingDir string) string {
	if workingDir == "" || workingDir == FallbackWorkingDir || path.IsAbs(p) {
		return p
	}
	return path.Join(workingDir, p)
}

func (r *Router) exec(ctx context.Context, t *target, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}
	if !t.isPod() {
		return t.cloud.ExecCommand(ctx, t.rec.WorkspaceID, command, workingDir, timeout)
	}
	var res compute.ExecResult
	params := rpc.ExecParams{
		WorkspaceID:    t.rec.WorkspaceID,
		Command:        command,
		WorkingDir:     workingDir,
		TimeoutSeconds: timeout.Seconds(),
	}
	if err := r.call(ctx, t, rpc.MethodWorkspaceExec, params, &res, timeout+rpcExecMargin); err != nil {
		return nil, err
	}
	return &res, nil
}

// targetExecer runs commands on one target, so that the shared helpers in
// compute can drive pods and cloud workspaces alike.
type targetExecer struct {
	r *Router
	t *target
}

func (e targetExecer) ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	return e.r.exec(ctx, e.t, command, workingDir, timeout)
}

// ExecCommand runs command in the workspace. A non-zero exit is a result,
// not an error.
func (r *Router) ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	const op = "exec_command"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	res, err := r.exec(ctx, t, command, r.workingDir(ctx, t, workingDir), timeout)
	return res, observe(op, err)
}

// ListFiles lists a directory. Unreadable directories list as empty.
func (r *Router) ListFiles(ctx context.Context, id types.WorkspaceID, p, workingDir string) ([]compute.FileEntry, error) {
	const op = "list_files"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	dir := r.workingDir(ctx, t, workingDir)
	if p == "" {
		p = FallbackWorkingDir
	}
	if t.isPod() {
		var entries []compute.FileEntry
		if err := r.call(ctx, t, rpc.MethodWorkspaceListFiles, rpc.PathParams{WorkspaceID: id, Path: p, WorkingDir: dir}, &entries, 0); err != nil {
			return nil, observe(op, err)
		}
		if entries == nil {
			entries = []compute.FileEntry{}
		}
		return entries, nil
	}
	return t.cloud.ListFiles(ctx, id, resolvePath(p, dir)), nil
}

// ReadFile returns the content of a file.
func (r *Router) ReadFile(ctx context.Context, id types.WorkspaceID, p, workingDir string) ([]byte, error) {
	const op = "read_file"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	dir := r.workingDir(ctx, t, workingDir)
	if t.isPod() {
		var res rpc.ReadFileResult
		if err := r.call(ctx, t, rpc.MethodWorkspaceReadFile, rpc.PathParams{WorkspaceID: id, Path: p, WorkingDir: dir}, &res, 0); err != nil {
			return nil, observe(op, err)
		}
		return res.Content, nil
	}
	content, err := t.cloud.ReadFile(ctx, id, resolvePath(p, dir))
	return content, observe(op, err)
}

// WriteFile writes content to a file, creating parent directories.
func (r *Router) WriteFile(ctx context.Context, id types.WorkspaceID, p, workingDir string, content []byte) error {
	const op = "write_file"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return observe(op, err)
	}
	dir := r.workingDir(ctx, t, workingDir)
	if t.isPod() {
		params := rpc.WriteFileParams{WorkspaceID: id, Path: p, WorkingDir: dir, Content: content}
		return observe(op, r.call(ctx, t, rpc.MethodWorkspaceWriteFile, params, nil, 0))
	}
	return observe(op, t.cloud.WriteFile(ctx, id, resolvePath(p, dir), content))
}

// DeleteFile removes a file or directory tree. Pods have no delete method,
// so it always goes through exec.
func (r *Router) DeleteFile(ctx context.Context, id types.WorkspaceID, p, workingDir string) error {
	const op = "delete_file"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return observe(op, err)
	}
	cmd, err := compute.DeleteFileCommand(p)
	if err != nil {
		return observe(op, compute.ConfigError(op, id, "%s", err))
	}
	res, err := r.exec(ctx, t, cmd, r.workingDir(ctx, t, workingDir), compute.DefaultExecTimeout)
	if err != nil {
		return observe(op, err)
	}
	if !res.Succeeded() {
		return observe(op, compute.InternalError(op, id, "error deleting %s: exit code %d: %s", p, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

// GetActivePorts lists the user ports listening in the workspace.
func (r *Router) GetActivePorts(ctx context.Context, id types.WorkspaceID) ([]compute.PortInfo, error) {
	const op = "get_active_ports"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	return compute.ActivePortsVia(ctx, targetExecer{r, t}, id), nil
}

// ExecCommandStream streams the command's output. Cloud backends that can
// stream do so. Everything else, pods included, runs the command to
// completion and yields its stdout then its stderr as at most two chunks,
// followed by the exit chunk.
func (r *Router) ExecCommandStream(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (<-chan compute.ExecChunk, error) {
	const op = "exec_command_stream"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	dir := r.workingDir(ctx, t, workingDir)

	if !t.isPod() {
		if streamer, ok := t.cloud.(compute.StreamExecer); ok {
			ch, err := streamer.ExecCommandStream(ctx, id, command, dir, timeout)
			if err == nil {
				return ch, nil
			}
			if err != compute.ErrStreamingUnsupported {
				return nil, observe(op, err)
			}
		}
	}

	res, err := r.exec(ctx, t, command, dir, timeout)
	if err != nil {
		return nil, observe(op, err)
	}
	return bufferedChunks(res), nil
}

// bufferedChunks replays a finished command as stream chunks.
func bufferedChunks(res *compute.ExecResult) <-chan compute.ExecChunk {
	ch := make(chan compute.ExecChunk, 3)
	if res.Stdout != "" {
		ch <- compute.ExecChunk{Stream: compute.StreamStdout, Data: res.Stdout}
	}
	if res.Stderr != "" {
		ch <- compute.ExecChunk{Stream: compute.StreamStderr, Data: res.Stderr}
	}
	ch <- compute.ExecChunk{Stream: compute.StreamExit, ExitCode: res.ExitCode, TimedOut: res.TimedOut}
	close(ch)
	return ch
}

// HealthStatus is the result of a workspace health check.
type HealthStatus struct {
	Healthy   bool  `json:"healthy"`
	LatencyMS int64 `json:"latency_ms"`
}

// HealthCheckWorkspace probes the workspace within timeout. Pods answer
// HEALTH_CHECK; cloud workspaces must run `true`. An unreachable workspace
// is unhealthy, not an error; only an unknown workspace is.
func (r *Router) HealthCheckWorkspace(ctx context.Context, id types.WorkspaceID, timeout time.Duration) (HealthStatus, error) {
	const op = "health_check_workspace"
	if timeout <= 0 {
		timeout = r.rpcTimeout
	}
	rec, err := r.record(ctx, op, id)
	if err != nil {
		return HealthStatus{}, observe(op, err)
	}
	start := time.Now()
	t, err := r.routeRecord(op, rec)
	if err != nil {
		if compute.IsKind(err, compute.KindConfig) {
			return HealthStatus{}, observe(op, err)
		}
		return HealthStatus{}, nil
	}

	healthy := false
	if t.isPod() {
		var res rpc.HealthResult
		if err := r.call(ctx, t, rpc.MethodHealthCheck, rpc.WorkspaceParams{WorkspaceID: id}, &res, timeout); err == nil {
			healthy = res.Healthy
		}
	} else {
		if res, err := t.cloud.ExecCommand(ctx, id, "true", "", timeout); err == nil {
			healthy = res.Succeeded()
		}
	}
	return HealthStatus{Healthy: healthy, LatencyMS: time.Since(start).Milliseconds()}, nil
}

// TerminalCreate opens a terminal. Cloud workspaces have no terminals and
// get an unsupported placeholder.
func (r *Router) TerminalCreate(ctx context.Context, id types.WorkspaceID, workingDir string, cols, rows int) (*compute.TerminalSession, error) {
	const op = "terminal_create"
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, observe(op, err)
	}
	if !t.isPod() {
		return &compute.TerminalSession{}, nil
	}
	var session compute.TerminalSession
	params := rpc.TerminalCreateParams{WorkspaceID: id, WorkingDir: r.workingDir(ctx, t, workingDir), Cols: cols, Rows: rows}
	if err := r.call(ctx, t, rpc.MethodTerminalCreate, params, &session, 0); err != nil {
		return nil, observe(op, err)
	}
	return &session, nil
}

// terminalCall sends a terminal method to the pod. It is a no-op on cloud
// workspaces.
func (r *Router) terminalCall(ctx context.Context, op string, id types.WorkspaceID, method rpc.Method, params interface{}) error {
	t, err := r.route(ctx, op, id)
	if err != nil {
		return observe(op, err)
	}
	if !t.isPod() {
		return nil
	}
	return observe(op, r.call(ctx, t, method, params, nil, 0))
}

// TerminalInput sends keystrokes to a terminal.
func (r *Router) TerminalInput(ctx context.Context, id types.WorkspaceID, terminalID types.TerminalID, data string) error {
	return r.terminalCall(ctx, "terminal_input", id, rpc.MethodTerminalInput,
		rpc.TerminalInputParams{WorkspaceID: id, TerminalID: terminalID, Data: data})
}

// TerminalResize resizes a terminal.
func (r *Router) TerminalResize(ctx context.Context, id types.WorkspaceID, terminalID types.TerminalID, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return compute.ConfigError("terminal_resize", id, "invalid terminal size %dx%d", cols, rows)
	}
	return r.terminalCall(ctx, "terminal_resize", id, rpc.MethodTerminalResize,
		rpc.TerminalResizeParams{WorkspaceID: id, TerminalID: terminalID, Cols: cols, Rows: rows})
}

// TerminalClose closes a terminal.
func (r *Router) TerminalClose(ctx context.Context, id types.WorkspaceID, terminalID types.TerminalID) error {
	return r.terminalCall(ctx, "terminal_close", id, rpc.MethodTerminalClose,
		rpc.TerminalCloseParams{WorkspaceID: id, TerminalID: terminalID})
}

// describeExec summarises a failed command for error messages.
func describeExec(res *compute.ExecResult) string {
	if res.TimedOut {
		return "timed out"
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return utils.Sprintf("exit code %d: %s", res.ExitCode, msg)
}
