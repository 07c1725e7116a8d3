package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// ExecCommand runs command through sh inside the container with a Docker
// exec. A command that outlives timeout is abandoned and reported as timed
// out.
func (m *Manager) ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	const op = "exec_command"
	current := m.index.Get(id)
	if current == nil {
		return nil, compute.NotFoundError(op, id)
	}
	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}

	exec, err := m.docker.ContainerExecCreate(ctx, current.BackendHandle, dockertypes.ExecConfig{
		Cmd:          []string{"sh", "-c", compute.BuildExecCommand(command, workingDir)},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classifyDocker(op, id, err)
	}

	attach, err := m.docker.ContainerExecAttach(ctx, exec.ID, dockertypes.ExecStartCheck{})
	if err != nil {
		return nil, classifyDocker(op, id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()

	timer := time.NewTimer(timeout)
	defer utils.StopAndDrainTimer(timer)

	select {
	case err := <-copied:
		if err != nil {
			return nil, compute.UnreachableError(op, id, "error reading exec output: %s", err)
		}
	case <-timer.C:
		// Closing the hijacked connection unblocks the copy.
		attach.Close()
		<-copied
		return compute.TimedOutResult(timeout), nil
	case <-ctx.Done():
		attach.Close()
		<-copied
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return compute.TimedOutResult(timeout), nil
		}
		return nil, compute.InternalError(op, id, "exec cancelled: %s", ctx.Err())
	}

	inspect, err := m.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, classifyDocker(op, id, err)
	}
	return &compute.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (m *Manager) ReadFile(ctx context.Context, id types.WorkspaceID, path string) ([]byte, error) {
	return compute.ReadFileVia(ctx, m, id, path)
}

func (m *Manager) WriteFile(ctx context.Context, id types.WorkspaceID, path string, content []byte) error {
	return compute.WriteFileVia(ctx, m, id, path, content)
}

func (m *Manager) ListFiles(ctx context.Context, id types.WorkspaceID, path string) []compute.FileEntry {
	return compute.ListFilesVia(ctx, m, id, path)
}

func (m *Manager) GetActivePorts(ctx context.Context, id types.WorkspaceID) []compute.PortInfo {
	return compute.ActivePortsVia(ctx, m, id)
}

// GetPreviewURL returns the container's address on the pod's network.
func (m *Manager) GetPreviewURL(ctx context.Context, id types.WorkspaceID, port int) (string, bool) {
	w := m.index.Get(id)
	if w == nil || w.Status != compute.StatusRunning || w.Host == "" {
		return "", false
	}
	return "http://" + net.JoinHostPort(w.Host, strconv.Itoa(port)), true
}

// ProxyRequest forwards req to the container. A container whose address
// can't be resolved gets a 502 response rather than an error.
func (m *Manager) ProxyRequest(ctx context.Context, req compute.ProxyRequest) (*compute.ProxyResponse, error) {
	const op = "proxy_request"
	current := m.index.Get(req.WorkspaceID)
	if current == nil {
		return nil, compute.NotFoundError(op, req.WorkspaceID)
	}

	inspect, err := m.docker.ContainerInspect(ctx, current.BackendHandle)
	if err != nil {
		return compute.BadGatewayResponse(utils.Sprintf("could not resolve workspace %s: %s", req.WorkspaceID, err)), nil
	}
	ip := containerIP(inspect)
	if ip == "" {
		return compute.BadGatewayResponse(utils.Sprintf("workspace %s has no network address", req.WorkspaceID)), nil
	}
	return compute.Proxy(ctx, m.http, "http://"+net.JoinHostPort(ip, strconv.Itoa(req.Port)), req)
}
