package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateLog(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "short", input: "short log", maxLen: DefaultLogMaxLen, want: "short log"},
		{name: "exact limit", input: "12345678901234567890", maxLen: 20, want: "12345678901234567890"},
		{name: "long", input: "1234567890abcdefghij", maxLen: 10, want: "1234567890... [truncated, 20 bytes total]"},
		{name: "empty", input: "", maxLen: 10, want: ""},
		{name: "multibyte boundary", input: "ab€cd", maxLen: 3, want: "ab... [truncated, 7 bytes total]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateLog(tt.input, tt.maxLen))
		})
	}
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "short", TruncateBytes([]byte("short")))

	input := strings.Repeat("x", 2000)
	got := TruncateBytes([]byte(input))
	assert.True(t, strings.HasPrefix(got, input[:DefaultLogMaxLen]))
	assert.True(t, strings.HasSuffix(got, "... [truncated, 2000 bytes total]"))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", Clip("abc", 3, "..."))
	assert.Equal(t, "ab...", Clip("abcdef", 2, "..."))
	assert.Equal(t, "...", Clip("€", 2, "..."))
}
