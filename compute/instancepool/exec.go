package instancepool

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// runShellScript is the SSM document that runs a shell script as root.
const runShellScript = "AWS-RunShellScript"

// DockerExecScript is the script SSM runs on the instance to execute
// command inside the workspace container.
func DockerExecScript(command, workingDir string) string {
	return utils.ShellQuoteAll("docker", "exec", ContainerName, "sh", "-c", compute.BuildExecCommand(command, workingDir))
}

// ExecCommand sends the command through SSM and polls for its result until
// timeout. Past the deadline it returns a timed-out result.
func (m *Manager) ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	const op = "exec_command"
	w := m.index.Get(id)
	if w == nil {
		return nil, compute.NotFoundError(op, id)
	}
	if w.Status == compute.StatusStopped {
		return nil, compute.UnreachableError(op, id, "workspace is stopped")
	}
	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sent, err := m.ssm.SendCommand(pollCtx, &ssm.SendCommandInput{
		DocumentName: aws.String(runShellScript),
		InstanceIds:  []string{w.BackendHandle},
		Comment:      aws.String("exec in workspace " + string(id)),
		Parameters: map[string][]string{
			"commands": {DockerExecScript(command, workingDir)},
		},
	})
	if err != nil {
		if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return compute.TimedOutResult(timeout), nil
		}
		return nil, classify(op, id, err)
	}
	if sent.Command == nil || sent.Command.CommandId == nil {
		return nil, compute.InternalError(op, id, "SSM returned no command id")
	}
	commandID := aws.ToString(sent.Command.CommandId)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
				m.cancelCommand(commandID, w.BackendHandle)
				return compute.TimedOutResult(timeout), nil
			}
			return nil, pollCtx.Err()
		case <-ticker.C:
		}

		inv, err := m.ssm.GetCommandInvocation(pollCtx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(w.BackendHandle),
		})
		if err != nil {
			// The invocation shows up a moment after SendCommand returns.
			if compute.AWSErrorCode(err) == "InvocationDoesNotExist" {
				continue
			}
			if pollCtx.Err() != nil {
				continue
			}
			return nil, classify(op, id, err)
		}

		switch inv.Status {
		case ssmtypes.CommandInvocationStatusSuccess, ssmtypes.CommandInvocationStatusFailed:
			return &compute.ExecResult{
				ExitCode: int(inv.ResponseCode),
				Stdout:   aws.ToString(inv.StandardOutputContent),
				Stderr:   aws.ToString(inv.StandardErrorContent),
			}, nil
		case ssmtypes.CommandInvocationStatusTimedOut:
			return compute.TimedOutResult(timeout), nil
		case ssmtypes.CommandInvocationStatusCancelled:
			return nil, compute.InternalError(op, id, "SSM command %s was cancelled", commandID)
		}
	}
}

// cancelCommand is best effort; the command is abandoned either way.
func (m *Manager) cancelCommand(commandID, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ssm.CancelCommand(ctx, &ssm.CancelCommandInput{
		CommandId:   aws.String(commandID),
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		logger.Warnw("Failed to cancel timed out SSM command", zap.String("command_id", commandID), zap.Error(err))
	}
}
