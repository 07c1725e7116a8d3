package serverless

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/whisthq/whist/backend/workspaces/agent"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// agentSlack is how much longer than the command timeout we wait for the
// agent, which enforces the timeout itself.
const agentSlack = 10 * time.Second

// maxChunkLine bounds one NDJSON line from the agent.
const maxChunkLine = 1 << 20

// agentClient talks to the exec agent inside a task.
type agentClient struct {
	http *http.Client
}

func (c *agentClient) post(ctx context.Context, url string, req agent.ExecRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.http.Do(httpReq)
}

func execRequest(command, workingDir string, timeout time.Duration) agent.ExecRequest {
	return agent.ExecRequest{
		Command:        command,
		WorkingDir:     workingDir,
		TimeoutSeconds: timeout.Seconds(),
	}
}

func (c *agentClient) exec(ctx context.Context, op string, id types.WorkspaceID, baseURL, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+agentSlack)
	defer cancel()

	resp, err := c.post(ctx, baseURL+agent.ExecPath, execRequest(command, workingDir, timeout))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return compute.TimedOutResult(timeout), nil
		}
		return nil, compute.UnreachableError(op, id, "could not reach the workspace agent: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, compute.InternalError(op, id, "workspace agent answered %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var res compute.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return compute.TimedOutResult(timeout), nil
		}
		return nil, compute.UnreachableError(op, id, "error reading the workspace agent's answer: %s", err)
	}
	return &res, nil
}

// stream starts a streamed exec. The channel always ends with a StreamExit
// chunk, even if the agent goes away mid-stream.
func (c *agentClient) stream(ctx context.Context, op string, id types.WorkspaceID, baseURL, command, workingDir string, timeout time.Duration) (<-chan compute.ExecChunk, error) {
	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+agentSlack)

	resp, err := c.post(ctx, baseURL+agent.ExecStreamPath, execRequest(command, workingDir, timeout))
	if err != nil {
		cancel()
		return nil, compute.UnreachableError(op, id, "could not reach the workspace agent: %s", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, compute.InternalError(op, id, "workspace agent answered %d", resp.StatusCode)
	}

	chunks := make(chan compute.ExecChunk)
	go func() {
		defer cancel()
		defer close(chunks)
		defer resp.Body.Close()

		send := func(c compute.ExecChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxChunkLine)
		for scanner.Scan() {
			var chunk compute.ExecChunk
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			if !send(chunk) || chunk.Stream == compute.StreamExit {
				return
			}
		}

		// The agent never sent an exit chunk.
		final := compute.ExecChunk{Stream: compute.StreamExit, ExitCode: -1, Data: "stream ended early"}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			final = compute.ExecChunk{Stream: compute.StreamExit, ExitCode: compute.TimedOutExitCode, TimedOut: true}
		}
		select {
		case chunks <- final:
		case <-time.After(time.Second):
		}
	}()
	return chunks, nil
}
