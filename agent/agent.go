// Package agent is the exec agent that runs inside serverless workspace
// containers. The serverless backend has no other way into a task, so every
// exec, file and listing operation against such a workspace ends up here.
package agent // import "github.com/whisthq/whist/backend/workspaces/agent"

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os/exec"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/httputils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// Paths served by the agent.
const (
	ExecPath       = "/v1/exec"
	ExecStreamPath = "/v1/exec/stream"
	HealthPath     = "/healthz"
)

// DefaultShell runs every command.
const DefaultShell = "/bin/sh"

// ExecRequest is the body of both exec endpoints.
type ExecRequest struct {
	Command        string  `json:"command"`
	WorkingDir     string  `json:"working_dir,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// Timeout returns the requested timeout, or the default.
func (r ExecRequest) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return compute.DefaultExecTimeout
	}
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// Agent serves exec requests.
type Agent struct {
	Shell string
	// MaxTimeout caps whatever timeout a request asks for.
	MaxTimeout time.Duration
}

// New returns an agent running commands through shell.
func New(shell string) *Agent {
	if shell == "" {
		shell = DefaultShell
	}
	return &Agent{Shell: shell, MaxTimeout: 30 * time.Minute}
}

// Router returns the agent's HTTP routes.
func (a *Agent) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)

	r.Get(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post(ExecPath, a.handleExec)
	r.Post(ExecStreamPath, a.handleExecStream)
	return r
}

func (a *Agent) timeout(req ExecRequest) time.Duration {
	t := req.Timeout()
	if a.MaxTimeout > 0 && t > a.MaxTimeout {
		return a.MaxTimeout
	}
	return t
}

func (a *Agent) command(req ExecRequest) *exec.Cmd {
	cmd := exec.Command(a.Shell, "-c", compute.BuildExecCommand(req.Command, req.WorkingDir))
	setProcessGroup(cmd)
	return cmd
}

// start starts cmd and kills its whole process group once ctx ends. Killing
// only the shell would leave its children holding the output pipes open.
// The returned function waits for cmd and must be used instead of
// cmd.Wait.
func start(ctx context.Context, cmd *exec.Cmd) (func() error, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := killProcessGroup(cmd); err != nil {
				logger.Warningf("Couldn't kill timed out command: %s", err)
			}
		case <-done:
		}
	}()
	return func() error {
		defer close(done)
		return cmd.Wait()
	}, nil
}

// Run executes req to completion. A non-zero exit and a timeout are both
// results; an error means the shell itself couldn't be started.
func (a *Agent) Run(ctx context.Context, req ExecRequest) (*compute.ExecResult, error) {
	timeout := a.timeout(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := a.command(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	wait, err := start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	err = wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res := compute.TimedOutResult(timeout)
		res.Stdout = stdout.String()
		return res, nil
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

func (a *Agent) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := httputils.ParseRequest(w, r, &req); err != nil {
		logger.Warningf("Rejected exec request: %s", err)
		return
	}

	res, err := a.Run(r.Context(), req)
	if err != nil {
		logger.Errorw("Could not start exec", zap.Error(err))
		httputils.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	httputils.WriteJSON(w, http.StatusOK, res)
}
