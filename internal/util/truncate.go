// Package util holds small string helpers shared by logging and audit code.
package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultLogMaxLen caps vendor bodies written to logs (1KB).
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to at most maxLen bytes for logging and notes the
// original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return cut(s, maxLen) + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog with DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// Clip shortens s to at most maxLen bytes and appends marker when it cut
// anything. The cut never splits a UTF-8 sequence.
func Clip(s string, maxLen int, marker string) string {
	if len(s) <= maxLen {
		return s
	}
	return cut(s, maxLen) + marker
}

func cut(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	i := maxLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
