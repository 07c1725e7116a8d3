package router // import "github.com/whisthq/whist/backend/workspaces/router"

import (
	"strconv"
	"strings"
	"time"
)

// GitFileStatus is one entry of `git status`. Index and WorkTree are the
// porcelain status letters, with ' ' for unmodified.
type GitFileStatus struct {
	Path     string `json:"path"`
	OrigPath string `json:"orig_path,omitempty"`
	Index    string `json:"index"`
	WorkTree string `json:"work_tree"`
}

// GitStatus is the parsed output of `git status --porcelain=v1 -b`.
type GitStatus struct {
	Branch   string          `json:"branch"`
	Upstream string          `json:"upstream,omitempty"`
	Ahead    int             `json:"ahead"`
	Behind   int             `json:"behind"`
	Files    []GitFileStatus `json:"files"`
}

// Clean reports whether there is nothing to commit, untracked files
// included.
func (s *GitStatus) Clean() bool {
	return len(s.Files) == 0
}

// parseGitStatus parses porcelain v1 output with a branch header. Lines it
// doesn't understand are skipped.
func parseGitStatus(out string) *GitStatus {
	status := &GitStatus{Files: []GitFileStatus{}}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "## ") {
			parseBranchHeader(strings.TrimPrefix(line, "## "), status)
			continue
		}
		if len(line) < 4 || line[2] != ' ' {
			continue
		}
		entry := GitFileStatus{Index: line[0:1], WorkTree: line[1:2], Path: line[3:]}
		if from, to, ok := strings.Cut(entry.Path, " -> "); ok {
			entry.OrigPath, entry.Path = from, to
		}
		status.Files = append(status.Files, entry)
	}
	return status
}

// parseBranchHeader parses e.g. "main...origin/main [ahead 1, behind 2]" or
// "No commits yet on main".
func parseBranchHeader(header string, status *GitStatus) {
	const unborn = "No commits yet on "
	if strings.HasPrefix(header, unborn) {
		status.Branch = strings.TrimPrefix(header, unborn)
		return
	}

	branchPart, tracking, _ := strings.Cut(header, " [")
	if local, upstream, ok := strings.Cut(branchPart, "..."); ok {
		status.Branch, status.Upstream = local, upstream
	} else {
		status.Branch = branchPart
	}

	tracking = strings.TrimSuffix(tracking, "]")
	for _, part := range strings.Split(tracking, ", ") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "ahead":
			status.Ahead = n
		case "behind":
			status.Behind = n
		}
	}
}

// GitBranch is a local or remote branch.
type GitBranch struct {
	Name     string `json:"name"`
	Commit   string `json:"commit"`
	Current  bool   `json:"current"`
	Upstream string `json:"upstream,omitempty"`
	Remote   bool   `json:"remote"`
}

// branchFormat is the for-each-ref format parseGitBranches reads.
const branchFormat = "%(refname)%09%(objectname:short)%09%(HEAD)%09%(upstream:short)"

func parseGitBranches(out string) []GitBranch {
	branches := []GitBranch{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			continue
		}
		ref := fields[0]
		b := GitBranch{Commit: fields[1], Current: fields[2] == "*", Upstream: fields[3]}
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			b.Name = strings.TrimPrefix(ref, "refs/heads/")
		case strings.HasPrefix(ref, "refs/remotes/"):
			b.Name = strings.TrimPrefix(ref, "refs/remotes/")
			b.Remote = true
			if strings.HasSuffix(b.Name, "/HEAD") {
				continue
			}
		default:
			continue
		}
		branches = append(branches, b)
	}
	return branches
}

// GitCommit is one entry of `git log`.
type GitCommit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
}

// logFormat separates fields with US and records with RS, neither of which
// can appear in a commit subject line.
const logFormat = "--format=%H%x1f%an%x1f%ae%x1f%at%x1f%s%x1e"

func parseGitLog(out string) []GitCommit {
	commits := []GitCommit{}
	for _, record := range strings.Split(out, "\x1e") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.Split(record, "\x1f")
		if len(fields) != 5 {
			continue
		}
		c := GitCommit{Hash: fields[0], Author: fields[1], Email: fields[2], Subject: fields[4]}
		if unix, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			c.Date = time.Unix(unix, 0).UTC()
		}
		commits = append(commits, c)
	}
	return commits
}

// GitChangedFile is one entry of `git diff --name-status`.
type GitChangedFile struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

func parseNameStatus(out string) []GitChangedFile {
	files := []GitChangedFile{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		// Renames and copies list the source first; we report the
		// destination.
		files = append(files, GitChangedFile{Status: fields[0][:1], Path: fields[len(fields)-1]})
	}
	return files
}

// parseLines returns the non-empty lines of out.
func parseLines(out string) []string {
	lines := []string{}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseLeftRight parses `rev-list --left-right --count` output.
func parseLeftRight(out string) (left, right int, ok bool) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, false
	}
	left, errLeft := strconv.Atoi(fields[0])
	right, errRight := strconv.Atoi(fields[1])
	return left, right, errLeft == nil && errRight == nil
}
