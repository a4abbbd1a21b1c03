// Package redact strips sensitive fragments from error text before it is
// stored on a work item or written to run history. Processor errors are
// caller-controlled strings and routinely embed paths, connection strings or
// stack traces.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	Placeholder           = "[REDACTED]"
	PathPlaceholder       = "[REDACTED_PATH]"
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	KeyPlaceholder        = "[REDACTED_KEY]"
	StackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

// MaxLen bounds the length of a redacted message.
const MaxLen = 512

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// Order matters: stack traces and URLs with credentials are matched before
// the generic path rule would split them.
var rules = []rule{
	{regexp.MustCompile(`(?:goroutine \d+ \[|panic:)[\s\S]*`), StackPlaceholder},
	{regexp.MustCompile(`(?i)[a-z][a-z0-9+.-]*://[^\s/@]+@`), CredentialPlaceholder},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]+['"]?)[^'"&\s]{3,}`), CredentialPlaceholder},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|access[_-]?key)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`), KeyPlaceholder},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{12,}`), KeyPlaceholder},
	{regexp.MustCompile(`[A-Za-z]:\\[^\\\s]+(\\[^\\\s]+)+`), PathPlaceholder},
	{regexp.MustCompile(`(/[\w.-]+){2,}`), PathPlaceholder},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[REDACTED_EMAIL]"},
}

// String redacts sensitive information from s and bounds its length.
func String(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.placeholder)
	}
	if len(s) > MaxLen {
		s = truncate(s, MaxLen-3) + "..."
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Error redacts err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
