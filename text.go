package steward

import (
	"fmt"
	"path"
	"strings"
)

// OutputLimit is the maximum number of characters kept from a command
// transcript. Longer output keeps the tail, since the end of a transcript
// (exit status, final errors) is what the model acts on.
const OutputLimit = 10_000

// LimitOutput trims text to at most limit characters, keeping the tail and
// prefixing a line that reports how much was hidden. limit <= 0 uses
// OutputLimit.
func LimitOutput(text string, limit int) string {
	if limit <= 0 {
		limit = OutputLimit
	}
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	hidden := len(r) - limit
	return fmt.Sprintf("(output truncated, %d characters hidden)\n%s", hidden, string(r[len(r)-limit:]))
}

// SanitizeName maps a username to a container/path-safe fragment:
// [A-Za-z0-9-_.] pass through, everything else becomes '_'.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SanitizeFilename strips path components from name and sanitizes the rest.
// Returns "file" for names that reduce to nothing.
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "file"
	}
	s := SanitizeName(base)
	if s == "" || strings.Trim(s, "_") == "" {
		return "file"
	}
	return s
}

// Snippet returns the first n runes of s with an ellipsis when trimmed.
func Snippet(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
