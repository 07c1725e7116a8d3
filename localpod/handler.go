package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"context"
	"encoding/json"
	"path"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/rpc"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// Handler serves the service's RPC requests against a Manager. The service
// keeps no state on the pod besides what the manager tracks, so every
// request carries what it needs, such as the resolved working directory.
type Handler struct {
	manager  *Manager
	hardware rpc.Capabilities
}

// NewHandler returns a handler for m. hardware is reported on HEALTH_CHECK.
func NewHandler(m *Manager, hardware rpc.Capabilities) *Handler {
	return &Handler{manager: m, hardware: hardware}
}

func decode(method rpc.Method, params json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return compute.ConfigError(string(method), "", "invalid params: %s", err)
	}
	return nil
}

// resolve joins relative paths onto the caller's working directory.
func resolve(p, workingDir string) string {
	if workingDir == "" || path.IsAbs(p) {
		return p
	}
	return path.Join(workingDir, p)
}

// HandleRPC implements rpc.Handler.
func (h *Handler) HandleRPC(ctx context.Context, method rpc.Method, params json.RawMessage) (interface{}, error) {
	m := h.manager
	switch method {
	case rpc.MethodWorkspaceCreate:
		var p rpc.CreateParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return m.CreateWorkspace(ctx, p.UserID, p.SessionID, p.Config, p.WorkspaceID)

	case rpc.MethodWorkspaceGet:
		var p rpc.WorkspaceParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		info, err := m.GetWorkspace(ctx, p.WorkspaceID)
		if err != nil {
			return nil, err
		}
		res := rpc.GetResult{Workspace: info}
		if info != nil {
			res.WorkingDir = m.WorkingDir(p.WorkspaceID)
		}
		return res, nil

	case rpc.MethodWorkspaceUpdate:
		var p rpc.UpdateParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return m.UpdateWorkspace(ctx, p.WorkspaceID, p.Update)

	case rpc.MethodWorkspaceStop:
		var p rpc.WorkspaceParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.StopWorkspace(ctx, p.WorkspaceID)

	case rpc.MethodWorkspaceDelete:
		var p rpc.DeleteParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.DeleteWorkspace(ctx, p.WorkspaceID, p.PreserveFiles)

	case rpc.MethodWorkspaceHeartbeat:
		var p rpc.WorkspaceParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.Heartbeat(ctx, p.WorkspaceID)

	case rpc.MethodWorkspaceListFiles:
		var p rpc.PathParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		dir := p.Path
		if dir == "" {
			dir = "."
		}
		return m.ListFiles(ctx, p.WorkspaceID, resolve(dir, p.WorkingDir)), nil

	case rpc.MethodWorkspaceReadFile:
		var p rpc.PathParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		content, err := m.ReadFile(ctx, p.WorkspaceID, resolve(p.Path, p.WorkingDir))
		if err != nil {
			return nil, err
		}
		return rpc.ReadFileResult{Content: content}, nil

	case rpc.MethodWorkspaceWriteFile:
		var p rpc.WriteFileParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.WriteFile(ctx, p.WorkspaceID, resolve(p.Path, p.WorkingDir), p.Content)

	case rpc.MethodWorkspaceExec:
		var p rpc.ExecParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return m.ExecCommand(ctx, p.WorkspaceID, p.Command, p.WorkingDir, p.Timeout())

	case rpc.MethodTerminalCreate:
		var p rpc.TerminalCreateParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return m.CreateTerminal(ctx, p.WorkspaceID, p.WorkingDir, p.Cols, p.Rows)

	case rpc.MethodTerminalInput:
		var p rpc.TerminalInputParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.TerminalInput(ctx, p.WorkspaceID, p.TerminalID, p.Data)

	case rpc.MethodTerminalResize:
		var p rpc.TerminalResizeParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.ResizeTerminal(ctx, p.WorkspaceID, p.TerminalID, p.Cols, p.Rows)

	case rpc.MethodTerminalClose:
		var p rpc.TerminalCloseParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return nil, m.CloseTerminal(ctx, p.WorkspaceID, p.TerminalID)

	case rpc.MethodHealthCheck:
		var p rpc.WorkspaceParams
		if len(params) > 0 {
			if err := decode(method, params, &p); err != nil {
				return nil, err
			}
		}
		res := rpc.HealthResult{Healthy: true, Capabilities: m.capabilities(h.hardware)}
		if p.WorkspaceID != "" {
			info, err := m.GetWorkspace(ctx, p.WorkspaceID)
			if err != nil {
				return nil, err
			}
			res.Healthy = info != nil && info.Status == compute.StatusRunning
		}
		return res, nil

	default:
		logger.Warnw("Received unknown RPC method", zap.String("method", string(method)))
		return nil, compute.ConfigError(string(method), "", "unknown method")
	}
}
