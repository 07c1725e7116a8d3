package router // import "github.com/whisthq/whist/backend/workspaces/router"

import (
	"context"
	"strings"
	"time"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// gitTimeout bounds local git commands. Network commands get
// gitNetworkTimeout.
const (
	gitTimeout        = compute.DefaultExecTimeout
	gitNetworkTimeout = 5 * time.Minute
)

// DefaultGitRemote is used by push and pull when no remote is given.
const DefaultGitRemote = "origin"

// GitCommandError is returned when a git command inside the workspace exits
// non-zero. The result is kept so callers can show git's own message.
type GitCommandError struct {
	WorkspaceID types.WorkspaceID
	Args        []string
	Result      *compute.ExecResult
}

func (e *GitCommandError) Error() string {
	return utils.Sprintf("git %s failed in workspace %s: %s", strings.Join(e.Args, " "), e.WorkspaceID, describeExec(e.Result))
}

// gitCommand renders a git invocation. Prompts are disabled so that a push
// without credentials fails instead of hanging until the timeout.
func gitCommand(args ...string) string {
	return "GIT_TERMINAL_PROMPT=0 git -c core.quotepath=false " + utils.ShellQuoteAll(args...)
}

// gitRun runs git in dir and returns its result whatever the exit code.
func (r *Router) gitRun(ctx context.Context, t *target, dir string, timeout time.Duration, args ...string) (*compute.ExecResult, error) {
	if timeout <= 0 {
		timeout = gitTimeout
	}
	return r.exec(ctx, t, gitCommand(args...), dir, timeout)
}

// git runs git in dir and returns its stdout, failing on a non-zero exit.
func (r *Router) git(ctx context.Context, t *target, dir string, timeout time.Duration, args ...string) (string, error) {
	res, err := r.gitRun(ctx, t, dir, timeout, args...)
	if err != nil {
		return "", err
	}
	if !res.Succeeded() {
		return "", &GitCommandError{WorkspaceID: t.rec.WorkspaceID, Args: args, Result: res}
	}
	return res.Stdout, nil
}

// gitTarget routes id and resolves the working directory git runs in.
func (r *Router) gitTarget(ctx context.Context, op string, id types.WorkspaceID, workingDir string) (*target, string, error) {
	t, err := r.route(ctx, op, id)
	if err != nil {
		return nil, "", err
	}
	return t, r.workingDir(ctx, t, workingDir), nil
}

// GitStatus returns the branch and the changed files of the repository.
func (r *Router) GitStatus(ctx context.Context, id types.WorkspaceID, workingDir string) (*GitStatus, error) {
	const op = "git_status"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return nil, observe(op, err)
	}
	out, err := r.git(ctx, t, dir, 0, "status", "--porcelain=v1", "-b")
	if err != nil {
		return nil, observe(op, err)
	}
	return parseGitStatus(out), nil
}

// GitBranches lists local branches, and remote-tracking ones if
// includeRemote is set.
func (r *Router) GitBranches(ctx context.Context, id types.WorkspaceID, workingDir string, includeRemote bool) ([]GitBranch, error) {
	const op = "git_branches"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return nil, observe(op, err)
	}
	args := []string{"for-each-ref", "--format=" + branchFormat, "refs/heads"}
	if includeRemote {
		args = append(args, "refs/remotes")
	}
	out, err := r.git(ctx, t, dir, 0, args...)
	if err != nil {
		return nil, observe(op, err)
	}
	return parseGitBranches(out), nil
}

// GitLog returns up to limit commits reachable from ref, newest first. An
// empty ref means HEAD.
func (r *Router) GitLog(ctx context.Context, id types.WorkspaceID, workingDir, ref string, limit int) ([]GitCommit, error) {
	const op = "git_log"
	if limit <= 0 {
		limit = 50
	}
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return nil, observe(op, err)
	}
	args := []string{"log", "-n", utils.Sprintf("%d", limit), logFormat}
	if ref != "" {
		args = append(args, ref, "--")
	}
	out, err := r.git(ctx, t, dir, 0, args...)
	if err != nil {
		return nil, observe(op, err)
	}
	return parseGitLog(out), nil
}

// GitDiff returns the unified diff of the working tree, or of the index if
// staged is set, optionally limited to paths.
func (r *Router) GitDiff(ctx context.Context, id types.WorkspaceID, workingDir string, staged bool, paths ...string) (string, error) {
	const op = "git_diff"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return "", observe(op, err)
	}
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	out, err := r.git(ctx, t, dir, 0, args...)
	return out, observe(op, err)
}

// GitStage stages paths, or every change if none are given.
func (r *Router) GitStage(ctx context.Context, id types.WorkspaceID, workingDir string, paths ...string) error {
	const op = "git_stage"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return observe(op, err)
	}
	args := []string{"add", "-A"}
	if len(paths) > 0 {
		args = append([]string{"add", "--"}, paths...)
	}
	_, err = r.git(ctx, t, dir, 0, args...)
	return observe(op, err)
}

// GitUnstage removes paths from the index, or everything if none are given.
// The working tree is not touched.
func (r *Router) GitUnstage(ctx context.Context, id types.WorkspaceID, workingDir string, paths ...string) error {
	const op = "git_unstage"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return observe(op, err)
	}
	args := []string{"reset", "-q"}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	_, err = r.git(ctx, t, dir, 0, args...)
	return observe(op, err)
}

// GitCommit commits the index and returns the new commit hash.
func (r *Router) GitCommit(ctx context.Context, id types.WorkspaceID, workingDir, message string) (string, error) {
	const op = "git_commit"
	if strings.TrimSpace(message) == "" {
		return "", observe(op, compute.ConfigError(op, id, "commit message is empty"))
	}
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return "", observe(op, err)
	}
	if _, err := r.git(ctx, t, dir, 0, "commit", "-q", "-m", message); err != nil {
		return "", observe(op, err)
	}
	out, err := r.git(ctx, t, dir, 0, "rev-parse", "HEAD")
	if err != nil {
		return "", observe(op, err)
	}
	return strings.TrimSpace(out), nil
}

// remoteArgs builds the arguments of push and pull.
func remoteArgs(cmd, remote, branch string) []string {
	if remote == "" {
		remote = DefaultGitRemote
	}
	args := []string{cmd, remote}
	if branch != "" {
		args = append(args, branch)
	}
	return args
}

// GitPush pushes branch, or the current branch, to remote.
func (r *Router) GitPush(ctx context.Context, id types.WorkspaceID, workingDir, remote, branch string) (string, error) {
	const op = "git_push"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return "", observe(op, err)
	}
	res, err := r.gitRun(ctx, t, dir, gitNetworkTimeout, remoteArgs("push", remote, branch)...)
	if err != nil {
		return "", observe(op, err)
	}
	if !res.Succeeded() {
		return "", observe(op, &GitCommandError{WorkspaceID: id, Args: remoteArgs("push", remote, branch), Result: res})
	}
	// git push reports progress on stderr.
	return strings.TrimSpace(res.Stdout + res.Stderr), nil
}

// GitPull pulls branch, or the upstream of the current branch, from remote.
func (r *Router) GitPull(ctx context.Context, id types.WorkspaceID, workingDir, remote, branch string) (string, error) {
	const op = "git_pull"
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return "", observe(op, err)
	}
	out, err := r.git(ctx, t, dir, gitNetworkTimeout, remoteArgs("pull", remote, branch)...)
	if err != nil {
		return "", observe(op, err)
	}
	return strings.TrimSpace(out), nil
}

// GitCheckout switches to branch, creating it from HEAD if create is set.
func (r *Router) GitCheckout(ctx context.Context, id types.WorkspaceID, workingDir, branch string, create bool) error {
	const op = "git_checkout"
	if branch == "" {
		return observe(op, compute.ConfigError(op, id, "branch is empty"))
	}
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return observe(op, err)
	}
	args := []string{"checkout", "-q", branch}
	if create {
		args = []string{"checkout", "-q", "-b", branch}
	}
	_, err = r.git(ctx, t, dir, 0, args...)
	return observe(op, err)
}

// GitComparison describes how head diverges from base.
type GitComparison struct {
	Base    string           `json:"base"`
	Head    string           `json:"head"`
	Ahead   int              `json:"ahead"`
	Behind  int              `json:"behind"`
	Commits []GitCommit      `json:"commits"`
	Files   []GitChangedFile `json:"files"`
}

// GitCompare compares head against base: the commits on head that base
// lacks, and the files they change relative to the merge base.
func (r *Router) GitCompare(ctx context.Context, id types.WorkspaceID, workingDir, base, head string) (*GitComparison, error) {
	const op = "git_compare"
	if base == "" || head == "" {
		return nil, observe(op, compute.ConfigError(op, id, "base and head are required"))
	}
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return nil, observe(op, err)
	}

	counts, err := r.git(ctx, t, dir, 0, "rev-list", "--left-right", "--count", base+"..."+head, "--")
	if err != nil {
		return nil, observe(op, err)
	}
	behind, ahead, ok := parseLeftRight(counts)
	if !ok {
		return nil, observe(op, compute.InternalError(op, id, "unexpected rev-list output %q", strings.TrimSpace(counts)))
	}

	commits, err := r.git(ctx, t, dir, 0, "log", logFormat, base+".."+head, "--")
	if err != nil {
		return nil, observe(op, err)
	}
	files, err := r.git(ctx, t, dir, 0, "diff", "--name-status", base+"..."+head, "--")
	if err != nil {
		return nil, observe(op, err)
	}

	return &GitComparison{
		Base:    base,
		Head:    head,
		Ahead:   ahead,
		Behind:  behind,
		Commits: parseGitLog(commits),
		Files:   parseNameStatus(files),
	}, nil
}
