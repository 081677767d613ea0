// Package errfmt caps and sanitizes peer-supplied text before it is placed in
// errors or log fields.
package errfmt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLen caps error content to prevent unbounded propagation.
const MaxLen = 4096

// MaxSnippetLen caps the excerpt of dropped stream bytes attached to logs.
const MaxSnippetLen = 256

// truncateUTF8 caps s at max bytes, backtracking to a valid UTF-8 boundary.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// Truncate caps a string at MaxLen bytes with UTF-8-safe truncation.
func Truncate(s string) string {
	return truncateUTF8(s, MaxLen)
}

// Snippet renders raw stream bytes for a log line: at most MaxSnippetLen
// bytes, invalid UTF-8 and control characters replaced so the excerpt never
// carries terminal escapes into the log sink.
func Snippet(b []byte) string {
	s := truncateUTF8(strings.ToValidUTF8(string(b), "�"), MaxSnippetLen)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '.'
		}
		return r
	}, s)
}
