package utils

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestShellQuoteSurvivesShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	inputs := []string{
		"",
		"plain",
		"it's",
		"$(rm -rf /)",
		"`whoami`",
		"a; b && c || d",
		"multi\nline\tvalue",
		`back\slash "double"`,
	}

	for _, in := range inputs {
		out, err := exec.Command("sh", "-c", "printf '%s' "+ShellQuote(in)).Output()
		if err != nil {
			t.Fatalf("error running quoted printf for %q: %v", in, err)
		}
		if string(out) != in {
			t.Errorf("expected shell to print %q, got %q", in, string(out))
		}
	}
}

func TestShellQuoteAll(t *testing.T) {
	got := ShellQuoteAll("git", "checkout", "feature's")
	want := `'git' 'checkout' 'feature'\''s'`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestFindSubstringBetween(t *testing.T) {
	testMap := []struct {
		value, start, end, want string
	}{
		{`users:(("node",pid=1,fd=2))`, `(("`, `"`, "node"},
		{"no markers", "[", "]", ""},
		{"[open only", "[", "]", ""},
	}

	for _, value := range testMap {
		if got := FindSubstringBetween(value.value, value.start, value.end); got != value.want {
			t.Errorf("expected %q between %q and %q in %q, got %q", value.want, value.start, value.end, value.value, got)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("SortedKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintSlice(t *testing.T) {
	if got := PrintSlice([]string{"ws-1", "ws-2", "ws-3"}, 2); got != "ws-1, ws-2" {
		t.Errorf("expected truncated slice, got %q", got)
	}
	if got := PrintSlice([]int{}, 5); got != "" {
		t.Errorf("expected empty string for empty slice, got %q", got)
	}
}

func TestWaitForFileCreation(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "docker.sock")

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(target, []byte{}, 0o600)
	}()

	if err := WaitForFileCreation(context.Background(), target, 5*time.Second); err != nil {
		t.Fatalf("error waiting for file creation: %v", err)
	}
}

func TestWaitForFileCreationTimeout(t *testing.T) {
	target := filepath.Join(t.TempDir(), "never")

	err := WaitForFileCreation(context.Background(), target, 50*time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestWaitForFileCreationRelativePath(t *testing.T) {
	if err := WaitForFileCreation(context.Background(), "relative/path", time.Second); err == nil {
		t.Fatalf("expected an error for a relative path")
	}
}
