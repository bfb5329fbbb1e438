package agentloop

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(-----END [A-Z ]*PRIVATE KEY-----|$)`), "[REDACTED PRIVATE KEY]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)\b([A-Za-z0-9_]*(?:password|passwd|secret|token|api[_-]?key|key|credential)s?)(\s*[:=]\s*)("[^"]*"|'[^']*'|\S+)`), "${1}${2}[REDACTED]"},
}

// Redact masks credentials, bearer tokens and private keys in s
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// Truncate cuts s to at most max bytes on a rune boundary and notes how much was dropped
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n...[truncated %d bytes]", len(s)-cut)
}

// Sanitize truncates and then redacts captured output. A private key block
// cut short by truncation is still masked.
func Sanitize(res model.ExecutionResult, maxStdout, maxStderr int) model.ExecutionResult {
	res.Stdout = Redact(Truncate(res.Stdout, maxStdout))
	res.Stderr = Redact(Truncate(res.Stderr, maxStderr))
	return res
}
