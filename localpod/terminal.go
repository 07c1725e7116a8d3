package localpod // import "github.com/whisthq/whist/backend/workspaces/localpod"

import (
	"context"
	"strconv"
	"strings"

	"github.com/lithammer/shortuuid/v3"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// Terminals are tmux sessions inside the container, named after their
// terminal id.

const (
	defaultCols = 80
	defaultRows = 24
)

func terminalSize(cols, rows int) (string, string) {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return strconv.Itoa(cols), strconv.Itoa(rows)
}

// tmux runs a tmux command in the workspace and turns a non-zero exit into
// an error.
func (m *Manager) tmux(ctx context.Context, op string, id types.WorkspaceID, workingDir string, args ...string) error {
	res, err := m.ExecCommand(ctx, id, "tmux "+utils.ShellQuoteAll(args...), workingDir, compute.DefaultExecTimeout)
	if err != nil {
		return err
	}
	if res.TimedOut {
		return compute.TimeoutError(op, id, "tmux did not answer")
	}
	if res.ExitCode != 0 {
		return compute.InternalError(op, id, "tmux %s: exit code %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// CreateTerminal starts a detached tmux session of the given size.
func (m *Manager) CreateTerminal(ctx context.Context, id types.WorkspaceID, workingDir string, cols, rows int) (*compute.TerminalSession, error) {
	const op = "terminal_create"
	if !m.index.Has(id) {
		return nil, compute.NotFoundError(op, id)
	}
	if workingDir == "" {
		workingDir = ContainerWorkingDir
	}

	terminalID := types.TerminalID(shortuuid.New())
	x, y := terminalSize(cols, rows)
	if err := m.tmux(ctx, op, id, workingDir, "new-session", "-d", "-s", string(terminalID), "-x", x, "-y", y); err != nil {
		return nil, err
	}
	return &compute.TerminalSession{ID: terminalID, Supported: true}, nil
}

// TerminalInput types data into the session literally.
func (m *Manager) TerminalInput(ctx context.Context, id types.WorkspaceID, terminalID types.TerminalID, data string) error {
	return m.tmux(ctx, "terminal_input", id, "", "send-keys", "-t", string(terminalID), "-l", data)
}

// ResizeTerminal changes the window size of the session.
func (m *Manager) ResizeTerminal(ctx context.Context, id types.WorkspaceID, terminalID types.TerminalID, cols, rows int) error {
	x, y := terminalSize(cols, rows)
	return m.tmux(ctx, "terminal_resize", id, "", "resize-window", "-t", string(terminalID), "-x", x, "-y", y)
}

// CloseTerminal kills the session.
func (m *Manager) CloseTerminal(ctx context.Context, id types.WorkspaceID, terminalID types.TerminalID) error {
	return m.tmux(ctx, "terminal_close", id, "", "kill-session", "-t", string(terminalID))
}
