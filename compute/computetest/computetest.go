// Package computetest provides a compute.Manager that runs workspaces as
// plain directories on the local machine, for tests of code built on top of
// the compute contract.
package computetest // import "github.com/whisthq/whist/backend/workspaces/compute/computetest"

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// RunShell runs command through sh in dir, honouring timeout the same way
// the real backends do: a non-zero exit is a result, a deadline is a
// timed-out result.
func RunShell(ctx context.Context, dir, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", compute.BuildExecCommand(command, workingDir))
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return compute.TimedOutResult(timeout), nil
	}

	res := &compute.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return res, nil
}

// LocalManager is a compute.Manager whose workspaces are subdirectories of
// Root. It records every command it runs.
type LocalManager struct {
	Root     string
	Endpoint types.Endpoint
	Now      func() time.Time
	Index    *compute.Index

	lock     sync.Mutex
	commands []string
	deleted  []types.WorkspaceID
	failIDs  map[types.WorkspaceID]error
}

// NewLocalManager returns a manager rooted at root.
func NewLocalManager(root string) *LocalManager {
	return &LocalManager{
		Root:     root,
		Endpoint: types.EndpointServerless,
		Now:      time.Now,
		Index:    compute.NewIndex(),
		failIDs:  make(map[types.WorkspaceID]error),
	}
}

// Dir is the directory backing workspace id.
func (m *LocalManager) Dir(id types.WorkspaceID) string {
	return filepath.Join(m.Root, string(id))
}

// FailDelete makes DeleteWorkspace fail for id with err.
func (m *LocalManager) FailDelete(id types.WorkspaceID, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failIDs[id] = err
}

// Commands returns every command run so far.
func (m *LocalManager) Commands() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.commands...)
}

// Deleted returns the ids deleted so far, in order.
func (m *LocalManager) Deleted() []types.WorkspaceID {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]types.WorkspaceID(nil), m.deleted...)
}

func (m *LocalManager) CreateWorkspace(ctx context.Context, userID types.UserID, sessionID types.SessionID, cfg compute.WorkspaceConfig, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	id = compute.ResolveWorkspaceID(id)
	if err := os.MkdirAll(m.Dir(id), 0o755); err != nil {
		return nil, err
	}
	now := m.Now()
	info := &compute.WorkspaceInfo{
		ID:           id,
		UserID:       userID,
		SessionID:    sessionID,
		Status:       compute.StatusRunning,
		Tier:         cfg.Tier,
		Host:         "127.0.0.1",
		Backend:      m.Endpoint,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.Index.Put(info)
	return info.Clone(), nil
}

func (m *LocalManager) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	return m.Index.Get(id), nil
}

func (m *LocalManager) StopWorkspace(ctx context.Context, id types.WorkspaceID) error {
	m.Index.Update(id, func(w *compute.WorkspaceInfo) { w.Status = compute.StatusStopped })
	return nil
}

func (m *LocalManager) DeleteWorkspace(ctx context.Context, id types.WorkspaceID, preserveFiles bool) error {
	m.lock.Lock()
	err := m.failIDs[id]
	m.lock.Unlock()
	if err != nil {
		return err
	}
	if !m.Index.Has(id) {
		return nil
	}
	m.Index.Remove(id)
	if !preserveFiles {
		_ = os.RemoveAll(m.Dir(id))
	}
	m.lock.Lock()
	m.deleted = append(m.deleted, id)
	m.lock.Unlock()
	return nil
}

func (m *LocalManager) ListWorkspaces(userID types.UserID, sessionID types.SessionID) []*compute.WorkspaceInfo {
	return m.Index.List(userID, sessionID)
}

func (m *LocalManager) ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	if !m.Index.Has(id) {
		return nil, compute.NotFoundError("exec_command", id)
	}
	m.lock.Lock()
	m.commands = append(m.commands, command)
	m.lock.Unlock()
	return RunShell(ctx, m.Dir(id), command, workingDir, timeout)
}

func (m *LocalManager) ReadFile(ctx context.Context, id types.WorkspaceID, path string) ([]byte, error) {
	return compute.ReadFileVia(ctx, m, id, path)
}

func (m *LocalManager) WriteFile(ctx context.Context, id types.WorkspaceID, path string, content []byte) error {
	return compute.WriteFileVia(ctx, m, id, path, content)
}

func (m *LocalManager) ListFiles(ctx context.Context, id types.WorkspaceID, path string) []compute.FileEntry {
	return compute.ListFilesVia(ctx, m, id, path)
}

func (m *LocalManager) GetActivePorts(ctx context.Context, id types.WorkspaceID) []compute.PortInfo {
	return compute.ActivePortsVia(ctx, m, id)
}

func (m *LocalManager) GetPreviewURL(ctx context.Context, id types.WorkspaceID, port int) (string, bool) {
	w := m.Index.Get(id)
	if w == nil || w.Status != compute.StatusRunning || w.Host == "" {
		return "", false
	}
	return "http://" + w.Host + ":" + strconv.Itoa(port), true
}

func (m *LocalManager) ProxyRequest(ctx context.Context, req compute.ProxyRequest) (*compute.ProxyResponse, error) {
	return nil, compute.UnreachableError("proxy_request", req.WorkspaceID, "local test manager does not proxy")
}

func (m *LocalManager) Heartbeat(ctx context.Context, id types.WorkspaceID) error {
	if !m.Index.Touch(id, m.Now()) {
		return compute.NotFoundError("heartbeat", id)
	}
	return nil
}

func (m *LocalManager) CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID {
	results := compute.SweepIdle(ctx, m.Index, m.Now(), timeout, func(ctx context.Context, id types.WorkspaceID) error {
		return m.DeleteWorkspace(ctx, id, true)
	})
	return compute.Succeeded(results)
}
