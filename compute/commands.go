package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"context"
	"encoding/base64"
	"path"
	"strconv"
	"strings"

	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// Every command built in this file quotes caller-provided values with
// utils.ShellQuote. File contents only ever travel base64-encoded, so no
// byte of user data is interpreted by the shell inside the workspace.

// writeChunkSize is the number of raw bytes sent per exec when writing a
// file. It is a multiple of 3 so that each chunk base64-encodes without
// padding, and keeps every argument well below the kernel's per-argument
// limit.
const writeChunkSize = 36 * 1024

// BuildExecCommand prefixes command with a change into workingDir. The
// command only runs if the cd succeeded.
func BuildExecCommand(command, workingDir string) string {
	if workingDir == "" {
		return command
	}
	return "cd " + utils.ShellQuote(workingDir) + " || exit 1\n" + command
}

// ReadFileCommand prints the base64 encoding of a file on a single line.
func ReadFileCommand(p string) string {
	q := utils.ShellQuote(p)
	return "[ -f " + q + " ] && [ -r " + q + " ] || { echo 'cannot read file' >&2; exit 1; }\n" +
		"base64 < " + q + " | tr -d '\\n'"
}

// FileSizeCommand prints the size of a regular file in bytes.
func FileSizeCommand(p string) string {
	q := utils.ShellQuote(p)
	return "[ -f " + q + " ] && [ -r " + q + " ] || { echo 'cannot read file' >&2; exit 1; }\n" +
		"wc -c < " + q
}

// ReadFileRangeCommand prints the base64 encoding of length bytes of p
// starting at offset, on a single line.
func ReadFileRangeCommand(p string, offset, length int64) string {
	return utils.Sprintf("tail -c +%d %s | head -c %d | base64 | tr -d '\\n'", offset+1, utils.ShellQuote(p), length)
}

// WriteFileCommands returns the commands that write content to p. The first
// command creates parent directories and truncates the file; the rest
// append.
func WriteFileCommands(p string, content []byte) []string {
	q := utils.ShellQuote(p)
	prefix := "mkdir -p \"$(dirname -- " + q + ")\" && "

	if len(content) == 0 {
		return []string{prefix + ": > " + q}
	}

	var cmds []string
	for start := 0; start < len(content); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(content) {
			end = len(content)
		}
		encoded := base64.StdEncoding.EncodeToString(content[start:end])
		redirect := " >> "
		if start == 0 {
			redirect = " > "
		}
		cmd := "printf '%s' " + utils.ShellQuote(encoded) + " | base64 -d" + redirect + q
		if start == 0 {
			cmd = prefix + cmd
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// ListFilesCommand prints one tab separated "type size name" line per entry.
func ListFilesCommand(p string) string {
	if p == "" {
		p = "."
	}
	return "find " + utils.ShellQuote(p) + ` -mindepth 1 -maxdepth 1 -printf '%y\t%s\t%f\n'`
}

// ActivePortsCommand lists listening TCP sockets, preferring ss.
const ActivePortsCommand = "ss -tlnpH 2>/dev/null || netstat -tlnp 2>/dev/null"

// DeleteFileCommand removes p recursively.
func DeleteFileCommand(p string) (string, error) {
	cleaned := path.Clean(p)
	if p == "" || cleaned == "/" || cleaned == "." {
		return "", utils.MakeError("refusing to delete %q", p)
	}
	return "rm -rf -- " + utils.ShellQuote(p), nil
}

// ReadFileVia reads a file through e.
func ReadFileVia(ctx context.Context, e Execer, id types.WorkspaceID, p string) ([]byte, error) {
	res, err := e.ExecCommand(ctx, id, ReadFileCommand(p), "", DefaultExecTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, utils.MakeError("error reading %s in workspace %s: exit code %d: %s", p, id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, utils.MakeError("error decoding %s from workspace %s: %s", p, id, err)
	}
	return content, nil
}

// ReadFileChunkedVia reads a file through e, chunk raw bytes per exec. It is
// for backends that cap the output of a single command.
func ReadFileChunkedVia(ctx context.Context, e Execer, id types.WorkspaceID, p string, chunk int64) ([]byte, error) {
	res, err := e.ExecCommand(ctx, id, FileSizeCommand(p), "", DefaultExecTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, utils.MakeError("error reading %s in workspace %s: exit code %d: %s", p, id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return nil, utils.MakeError("error reading size of %s in workspace %s: %s", p, id, err)
	}

	content := make([]byte, 0, size)
	for offset := int64(0); offset < size; offset += chunk {
		res, err := e.ExecCommand(ctx, id, ReadFileRangeCommand(p, offset, chunk), "", DefaultExecTimeout)
		if err != nil {
			return nil, err
		}
		if !res.Succeeded() {
			return nil, utils.MakeError("error reading %s in workspace %s at offset %d: exit code %d", p, id, offset, res.ExitCode)
		}
		part, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
		if err != nil {
			return nil, utils.MakeError("error decoding %s from workspace %s at offset %d: %s", p, id, offset, err)
		}
		content = append(content, part...)
	}
	return content, nil
}

// WriteFileVia writes a file through e, in as many execs as it takes.
func WriteFileVia(ctx context.Context, e Execer, id types.WorkspaceID, p string, content []byte) error {
	for i, cmd := range WriteFileCommands(p, content) {
		res, err := e.ExecCommand(ctx, id, cmd, "", DefaultExecTimeout)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return utils.MakeError("error writing %s in workspace %s (chunk %d): exit code %d: %s", p, id, i, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// ListFilesVia lists a directory through e. It returns an empty listing on
// any failure.
func ListFilesVia(ctx context.Context, e Execer, id types.WorkspaceID, p string) []FileEntry {
	res, err := e.ExecCommand(ctx, id, ListFilesCommand(p), "", DefaultExecTimeout)
	if err != nil || !res.Succeeded() {
		return []FileEntry{}
	}
	return ParseFileListing(res.Stdout)
}

// ActivePortsVia lists listening ports through e. It returns no ports on any
// failure.
func ActivePortsVia(ctx context.Context, e Execer, id types.WorkspaceID) []PortInfo {
	res, err := e.ExecCommand(ctx, id, ActivePortsCommand, "", DefaultExecTimeout)
	if err != nil || res == nil || res.TimedOut {
		return []PortInfo{}
	}
	return ParsePorts(res.Stdout)
}

// DeleteFileVia removes a path through e.
func DeleteFileVia(ctx context.Context, e Execer, id types.WorkspaceID, p string) error {
	cmd, err := DeleteFileCommand(p)
	if err != nil {
		return err
	}
	res, err := e.ExecCommand(ctx, id, cmd, "", DefaultExecTimeout)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return utils.MakeError("error deleting %s in workspace %s: exit code %d: %s", p, id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitIdentityCommand configures the global git author identity. It returns
// an empty string when identity has nothing to set.
func GitIdentityCommand(identity GitIdentity) string {
	var cmds []string
	if identity.Name != "" {
		cmds = append(cmds, "git config --global user.name "+utils.ShellQuote(identity.Name))
	}
	if identity.Email != "" {
		cmds = append(cmds, "git config --global user.email "+utils.ShellQuote(identity.Email))
	}
	return strings.Join(cmds, " && ")
}
