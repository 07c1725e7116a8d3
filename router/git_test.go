package router

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

func TestParseGitStatus(t *testing.T) {
	out := "## main...origin/main [ahead 2, behind 1]\n" +
		" M a.txt\n" +
		"A  new.txt\n" +
		"R  old.txt -> renamed.txt\n" +
		"?? notes/\n"

	want := &GitStatus{
		Branch:   "main",
		Upstream: "origin/main",
		Ahead:    2,
		Behind:   1,
		Files: []GitFileStatus{
			{Path: "a.txt", Index: " ", WorkTree: "M"},
			{Path: "new.txt", Index: "A", WorkTree: " "},
			{Path: "renamed.txt", OrigPath: "old.txt", Index: "R", WorkTree: " "},
			{Path: "notes/", Index: "?", WorkTree: "?"},
		},
	}
	if diff := cmp.Diff(want, parseGitStatus(out)); diff != "" {
		t.Errorf("unexpected status (-want +got):\n%s", diff)
	}

	unborn := parseGitStatus("## No commits yet on main\n")
	if unborn.Branch != "main" || !unborn.Clean() {
		t.Errorf("unexpected status for an unborn branch: %+v", unborn)
	}
}

func TestParseGitBranches(t *testing.T) {
	out := "refs/heads/feature\tabc1234\t*\t\n" +
		"refs/heads/main\tdef5678\t \torigin/main\n" +
		"refs/remotes/origin/HEAD\tdef5678\t \t\n" +
		"refs/remotes/origin/main\tdef5678\t \t\n"

	want := []GitBranch{
		{Name: "feature", Commit: "abc1234", Current: true},
		{Name: "main", Commit: "def5678", Upstream: "origin/main"},
		{Name: "origin/main", Commit: "def5678", Remote: true},
	}
	if diff := cmp.Diff(want, parseGitBranches(out)); diff != "" {
		t.Errorf("unexpected branches (-want +got):\n%s", diff)
	}
}

func TestParseNameStatus(t *testing.T) {
	out := "M\ta.txt\nA\tb.txt\nR100\told.txt\tnew.txt\n"
	want := []GitChangedFile{
		{Status: "M", Path: "a.txt"},
		{Status: "A", Path: "b.txt"},
		{Status: "R", Path: "new.txt"},
	}
	if diff := cmp.Diff(want, parseNameStatus(out)); diff != "" {
		t.Errorf("unexpected files (-want +got):\n%s", diff)
	}
	if files := parseNameStatus(""); len(files) != 0 {
		t.Errorf("expected no files, got %+v", files)
	}
}

func TestParseLeftRight(t *testing.T) {
	left, right, ok := parseLeftRight("3\t5\n")
	if !ok || left != 3 || right != 5 {
		t.Errorf("got %d, %d, %v", left, right, ok)
	}
	if _, _, ok := parseLeftRight("fatal: bad revision"); ok {
		t.Error("expected garbage not to parse")
	}
}

func TestGitCommandQuotesArguments(t *testing.T) {
	got := gitCommand("commit", "-m", "it's done")
	want := `GIT_TERMINAL_PROMPT=0 git -c core.quotepath=false 'commit' '-m' 'it'\''s done'`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

// shell runs script in the workspace and fails the test on a non-zero exit.
func (f *fixture) shell(t *testing.T, id types.WorkspaceID, script string) string {
	t.Helper()
	res, err := f.router.ExecCommand(context.Background(), id, script, "", 0)
	if err != nil {
		t.Fatalf("exec failed: %s", err)
	}
	if !res.Succeeded() {
		t.Fatalf("script failed: %s", describeExec(res))
	}
	return res.Stdout
}

const initRepo = `git init -q . &&
git symbolic-ref HEAD refs/heads/main &&
git config user.email dev@example.com &&
git config user.name Dev &&
git config commit.gpgsign false &&
echo one > a.txt &&
git add a.txt &&
git commit -q -m initial`

func TestGitOperations(t *testing.T) {
	requireGit(t)
	f := newFixture(t)
	ctx := context.Background()
	id := f.createCloudWorkspace(t, "session-1")
	f.shell(t, id, initRepo)

	if err := f.router.WriteFile(ctx, id, "b.txt", "", []byte("two\n")); err != nil {
		t.Fatal(err)
	}
	status, err := f.router.GitStatus(ctx, id, "")
	if err != nil {
		t.Fatalf("status failed: %s", err)
	}
	if status.Branch != "main" {
		t.Errorf("expected branch main, got %q", status.Branch)
	}
	if diff := cmp.Diff([]GitFileStatus{{Path: "b.txt", Index: "?", WorkTree: "?"}}, status.Files); diff != "" {
		t.Errorf("unexpected files (-want +got):\n%s", diff)
	}

	if err := f.router.GitStage(ctx, id, ""); err != nil {
		t.Fatalf("stage failed: %s", err)
	}
	status, _ = f.router.GitStatus(ctx, id, "")
	if len(status.Files) != 1 || status.Files[0].Index != "A" {
		t.Errorf("expected b.txt staged, got %+v", status.Files)
	}
	if err := f.router.GitUnstage(ctx, id, "", "b.txt"); err != nil {
		t.Fatalf("unstage failed: %s", err)
	}
	status, _ = f.router.GitStatus(ctx, id, "")
	if len(status.Files) != 1 || status.Files[0].Index != "?" {
		t.Errorf("expected b.txt untracked again, got %+v", status.Files)
	}

	if _, err := f.router.GitCommit(ctx, id, "", "  "); !compute.IsKind(err, compute.KindConfig) {
		t.Errorf("expected a config error for an empty message, got %v", err)
	}
	if err := f.router.GitStage(ctx, id, "", "b.txt"); err != nil {
		t.Fatal(err)
	}
	hash, err := f.router.GitCommit(ctx, id, "", "add b")
	if err != nil {
		t.Fatalf("commit failed: %s", err)
	}
	if len(hash) != 40 {
		t.Errorf("expected a full commit hash, got %q", hash)
	}

	log, err := f.router.GitLog(ctx, id, "", "", 10)
	if err != nil {
		t.Fatalf("log failed: %s", err)
	}
	if len(log) != 2 || log[0].Hash != hash || log[0].Subject != "add b" || log[0].Author != "Dev" || log[1].Subject != "initial" {
		t.Errorf("unexpected log %+v", log)
	}
	if log[0].Date.IsZero() {
		t.Error("expected commit dates to be parsed")
	}

	if err := f.router.GitCheckout(ctx, id, "", "feature", true); err != nil {
		t.Fatalf("checkout failed: %s", err)
	}
	f.shell(t, id, "echo three > c.txt && git add c.txt && git commit -q -m 'add c'")

	branches, err := f.router.GitBranches(ctx, id, "", false)
	if err != nil {
		t.Fatalf("branches failed: %s", err)
	}
	if len(branches) != 2 || branches[0].Name != "feature" || !branches[0].Current || branches[1].Name != "main" || branches[1].Current {
		t.Errorf("unexpected branches %+v", branches)
	}

	cmpResult, err := f.router.GitCompare(ctx, id, "", "main", "feature")
	if err != nil {
		t.Fatalf("compare failed: %s", err)
	}
	if cmpResult.Ahead != 1 || cmpResult.Behind != 0 || len(cmpResult.Commits) != 1 || cmpResult.Commits[0].Subject != "add c" {
		t.Errorf("unexpected comparison %+v", cmpResult)
	}
	if diff := cmp.Diff([]GitChangedFile{{Status: "A", Path: "c.txt"}}, cmpResult.Files); diff != "" {
		t.Errorf("unexpected compared files (-want +got):\n%s", diff)
	}

	f.shell(t, id, "echo changed > a.txt")
	diff, err := f.router.GitDiff(ctx, id, "", false)
	if err != nil {
		t.Fatalf("diff failed: %s", err)
	}
	if !strings.Contains(diff, "+changed") {
		t.Errorf("expected the change in the diff, got:\n%s", diff)
	}
	staged, err := f.router.GitDiff(ctx, id, "", true, "a.txt")
	if err != nil || staged != "" {
		t.Errorf("expected an empty staged diff, got %q, %v", staged, err)
	}

	err = f.router.GitCheckout(ctx, id, "", "does-not-exist", false)
	var gitErr *GitCommandError
	if !errors.As(err, &gitErr) {
		t.Fatalf("expected a GitCommandError, got %v", err)
	}
	if gitErr.Result.ExitCode == 0 || gitErr.WorkspaceID != id {
		t.Errorf("unexpected error %+v", gitErr)
	}
}

func TestGitPushReportsFailure(t *testing.T) {
	requireGit(t)
	f := newFixture(t)
	ctx := context.Background()
	id := f.createCloudWorkspace(t, "session-1")
	f.shell(t, id, initRepo)

	_, err := f.router.GitPush(ctx, id, "", "", "main")
	var gitErr *GitCommandError
	if !errors.As(err, &gitErr) {
		t.Fatalf("expected pushing without a remote to fail, got %v", err)
	}
	if diff := cmp.Diff([]string{"push", "origin", "main"}, gitErr.Args); diff != "" {
		t.Errorf("unexpected push args (-want +got):\n%s", diff)
	}
}

// mergeRepo sets up:
//
//	main:     initial, main (a.txt = main)
//	side:     initial, side (adds b.txt)
//	conflict: initial, conflict (a.txt = conflict)
//
// and leaves side checked out.
const mergeRepo = initRepo + ` &&
git checkout -q -b side && echo two > b.txt && git add b.txt && git commit -q -m side &&
git checkout -q main &&
git checkout -q -b conflict && echo conflict > a.txt && git commit -q -am conflict &&
git checkout -q main && echo main > a.txt && git commit -q -am main &&
git checkout -q side`

func currentBranch(t *testing.T, f *fixture, id types.WorkspaceID) *GitStatus {
	t.Helper()
	status, err := f.router.GitStatus(context.Background(), id, "")
	if err != nil {
		t.Fatalf("status failed: %s", err)
	}
	return status
}

func TestGitMergePreview(t *testing.T) {
	requireGit(t)
	f := newFixture(t)
	ctx := context.Background()
	id := f.createCloudWorkspace(t, "session-1")
	f.shell(t, id, mergeRepo)

	t.Run("clean", func(t *testing.T) {
		preview, err := f.router.GitMergePreview(ctx, id, "", "side", "main")
		if err != nil {
			t.Fatalf("preview failed: %s", err)
		}
		want := &MergePreview{Source: "side", Target: "main", CanMerge: true, Conflicts: []string{}, Files: []string{"b.txt"}}
		if diff := cmp.Diff(want, preview); diff != "" {
			t.Errorf("unexpected preview (-want +got):\n%s", diff)
		}
		if status := currentBranch(t, f, id); status.Branch != "side" || !status.Clean() {
			t.Errorf("repository not restored: %+v", status)
		}
	})

	t.Run("conflict", func(t *testing.T) {
		preview, err := f.router.GitMergePreview(ctx, id, "", "conflict", "main")
		if err != nil {
			t.Fatalf("preview failed: %s", err)
		}
		if preview.CanMerge || !preview.HasConflicts {
			t.Errorf("expected conflicts, got %+v", preview)
		}
		if diff := cmp.Diff([]string{"a.txt"}, preview.Conflicts); diff != "" {
			t.Errorf("unexpected conflicts (-want +got):\n%s", diff)
		}
		if status := currentBranch(t, f, id); status.Branch != "side" || !status.Clean() {
			t.Errorf("repository not restored: %+v", status)
		}
		if out := f.shell(t, id, "git show main:a.txt"); out != "main\n" {
			t.Errorf("target branch modified: %q", out)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := f.router.GitMergePreview(ctx, id, "", "does-not-exist", "main")
		var gitErr *GitCommandError
		if !errors.As(err, &gitErr) {
			t.Fatalf("expected a GitCommandError, got %v", err)
		}
		if status := currentBranch(t, f, id); status.Branch != "side" || !status.Clean() {
			t.Errorf("repository not restored: %+v", status)
		}
	})

	t.Run("dirty tree", func(t *testing.T) {
		f.shell(t, id, "echo scratch > scratch.txt")
		defer f.shell(t, id, "rm scratch.txt")

		_, err := f.router.GitMergePreview(ctx, id, "", "side", "main")
		if !compute.IsKind(err, compute.KindConfig) {
			t.Fatalf("expected a config error, got %v", err)
		}
		if status := currentBranch(t, f, id); status.Branch != "side" {
			t.Errorf("branch changed to %q", status.Branch)
		}
	})

	t.Run("missing branches", func(t *testing.T) {
		if _, err := f.router.GitMergePreview(ctx, id, "", "", "main"); !compute.IsKind(err, compute.KindConfig) {
			t.Errorf("expected a config error, got %v", err)
		}
	})
}
