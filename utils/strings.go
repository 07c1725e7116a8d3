package utils // import "github.com/whisthq/whist/backend/workspaces/utils"

import (
	"fmt"
	"strings"
)

// Sprintf is exactly fmt.Sprintf. We alias it here so that packages which
// only need string formatting don't have to import fmt as well.
func Sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}

// MakeError creates an error from format string and args. Use `%w` to wrap
// an underlying error so callers can still match it with errors.Is/As.
func MakeError(format string, v ...interface{}) error {
	return fmt.Errorf(format, v...)
}

// ShellQuote returns s wrapped in single quotes so that a POSIX shell treats
// it as one literal word. Embedded single quotes are closed, escaped and
// reopened ('\''), so no character in s is ever interpreted by the shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellQuoteAll quotes every element of args and joins them with spaces.
func ShellQuoteAll(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// FindSubstringBetween gets the substring after the first occurrence of
// `start` and before the next occurrence of `end`.
func FindSubstringBetween(value string, start string, end string) string {
	posFirst := strings.Index(value, start)
	if posFirst == -1 {
		return ""
	}
	rest := value[posFirst+len(start):]
	posLast := strings.Index(rest, end)
	if posLast == -1 {
		return ""
	}
	return rest[:posLast]
}
