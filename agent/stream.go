package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"sync"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/httputils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// streamReadSize bounds the data carried by one chunk.
const streamReadSize = 16 * 1024

// chunkWriter writes NDJSON chunks, flushing after each one.
type chunkWriter struct {
	lock    sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
}

func (cw *chunkWriter) write(c compute.ExecChunk) {
	cw.lock.Lock()
	defer cw.lock.Unlock()
	if err := cw.enc.Encode(c); err != nil {
		return
	}
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
}

func pump(wg *sync.WaitGroup, r io.Reader, stream string, cw *chunkWriter) {
	defer wg.Done()
	buf := make([]byte, streamReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cw.write(compute.ExecChunk{Stream: stream, Data: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// Stream runs req and writes its output to w as it is produced, one JSON
// chunk per line, ending with a StreamExit chunk.
func (a *Agent) Stream(ctx context.Context, req ExecRequest, w io.Writer) error {
	timeout := a.timeout(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cw := &chunkWriter{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		cw.flusher = f
	}

	cmd := a.command(req)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	wait, err := start(ctx, cmd)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdout, compute.StreamStdout, cw)
	go pump(&wg, stderr, compute.StreamStderr, cw)
	wg.Wait()

	err = wait()
	exit := compute.ExecChunk{Stream: compute.StreamExit}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		exit.ExitCode = compute.TimedOutExitCode
		exit.TimedOut = true
	case err == nil:
	case errors.As(err, &exitErr):
		exit.ExitCode = exitErr.ExitCode()
	default:
		exit.ExitCode = -1
		exit.Data = err.Error()
	}
	cw.write(exit)
	return nil
}

func (a *Agent) handleExecStream(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := httputils.ParseRequest(w, r, &req); err != nil {
		logger.Warningf("Rejected exec stream request: %s", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := a.Stream(r.Context(), req, w); err != nil {
		logger.Errorf("Could not start streamed exec: %s", err)
		cw := &chunkWriter{enc: json.NewEncoder(w)}
		cw.write(compute.ExecChunk{Stream: compute.StreamExit, ExitCode: -1, Data: err.Error()})
	}
}
