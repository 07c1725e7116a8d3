package router // import "github.com/whisthq/whist/backend/workspaces/router"

import (
	"context"
	"strings"
	"time"

	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// mergeRestoreTimeout bounds the restore step of a merge preview. It runs on
// a fresh context so that a cancelled request still leaves the repository
// where it was.
const mergeRestoreTimeout = 30 * time.Second

// MergePreview is the outcome of a trial merge of Source into Target.
type MergePreview struct {
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	CanMerge     bool     `json:"can_merge"`
	HasConflicts bool     `json:"has_conflicts"`
	Conflicts    []string `json:"conflicts"`
	Files        []string `json:"files"`
}

// GitMergePreview reports whether source merges cleanly into target without
// leaving any trace: the merge is attempted without committing, then
// aborted, and the branch that was checked out before is restored whatever
// happened in between. A dirty working tree is refused.
func (r *Router) GitMergePreview(ctx context.Context, id types.WorkspaceID, workingDir, source, target string) (*MergePreview, error) {
	const op = "git_merge_preview"
	if source == "" || target == "" {
		return nil, observe(op, compute.ConfigError(op, id, "source and target branches are required"))
	}
	t, dir, err := r.gitTarget(ctx, op, id, workingDir)
	if err != nil {
		return nil, observe(op, err)
	}

	out, err := r.git(ctx, t, dir, 0, "status", "--porcelain=v1", "-b")
	if err != nil {
		return nil, observe(op, err)
	}
	if status := parseGitStatus(out); !status.Clean() {
		return nil, observe(op, compute.ConfigError(op, id, "working tree has %d uncommitted changes", len(status.Files)))
	}

	original, err := r.currentRef(ctx, t, dir)
	if err != nil {
		return nil, observe(op, err)
	}
	defer r.restoreAfterMerge(t, dir, original)

	if _, err := r.git(ctx, t, dir, 0, "checkout", "-q", target); err != nil {
		return nil, observe(op, err)
	}

	merge, err := r.gitRun(ctx, t, dir, 0, "merge", "--no-commit", "--no-ff", source)
	if err != nil {
		return nil, observe(op, err)
	}

	conflictsOut, err := r.git(ctx, t, dir, 0, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, observe(op, err)
	}
	conflicts := parseLines(conflictsOut)
	if !merge.Succeeded() && len(conflicts) == 0 {
		// The merge never started, e.g. source doesn't exist.
		return nil, observe(op, &GitCommandError{WorkspaceID: id, Args: []string{"merge", "--no-commit", "--no-ff", source}, Result: merge})
	}

	filesOut, err := r.git(ctx, t, dir, 0, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, observe(op, err)
	}

	return &MergePreview{
		Source:       source,
		Target:       target,
		CanMerge:     len(conflicts) == 0,
		HasConflicts: len(conflicts) > 0,
		Conflicts:    conflicts,
		Files:        parseLines(filesOut),
	}, nil
}

// currentRef returns the checked out branch, or the commit if HEAD is
// detached.
func (r *Router) currentRef(ctx context.Context, t *target, dir string) (string, error) {
	out, err := r.git(ctx, t, dir, 0, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if ref := strings.TrimSpace(out); ref != "HEAD" {
		return ref, nil
	}
	out, err = r.git(ctx, t, dir, 0, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// restoreAfterMerge aborts any merge in progress and checks out original.
// The abort fails harmlessly when there is no merge to abort.
func (r *Router) restoreAfterMerge(t *target, dir, original string) {
	ctx, cancel := context.WithTimeout(context.Background(), mergeRestoreTimeout)
	defer cancel()

	if _, err := r.gitRun(ctx, t, dir, 0, "merge", "--abort"); err != nil {
		logger.Warnw("Failed to abort preview merge",
			zap.String("workspace_id", string(t.rec.WorkspaceID)), zap.Error(err))
	}
	if _, err := r.git(ctx, t, dir, 0, "checkout", "-q", original); err != nil {
		logger.Errorw("Failed to restore branch after merge preview",
			zap.String("workspace_id", string(t.rec.WorkspaceID)), zap.String("branch", original), zap.Error(err))
	}
}
