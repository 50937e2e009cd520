package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "U0123ABC", "u0123abc"},
		{"mixed separators", "alice.smith@example", "alice-smith-example"},
		{"collapses runs", "a__..__b", "a-b"},
		{"trims dashes", "--team--", "team"},
		{"unicode replaced", "usér-日本", "us-r"},
		{"already clean", "worker-7", "worker-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ident(tt.input)
			assert.Equal(t, tt.want, got, "Ident(%q)", tt.input)
		})
	}
}

func TestIdent_Deterministic(t *testing.T) {
	assert.Equal(t, Ident("U42!X"), Ident("U42!X"))
}

func TestIdent_MaxLen(t *testing.T) {
	got := Ident("user-" + strings.Repeat("ab7", 40))
	assert.LessOrEqual(t, len(got), 40)
	assert.NotEmpty(t, got)
}

func TestIdent_NothingUsable(t *testing.T) {
	got := Ident("!!!")
	assert.Regexp(t, `^u[0-9a-f]{8}$`, got)
	assert.Equal(t, got, Ident("!!!"), "hash fallback must be stable")
}

func TestText(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "fix the bug", 100, "fix the bug"},
		{"with control chars", "fi\x00x\x07", 100, "fix"},
		{"keeps newlines and tabs", "a\nb\tc", 100, "a\nb\tc"},
		{"strips carriage returns", "a\r\nb", 100, "a\nb"},
		{"truncate", "very long message", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語メッセージ", 100, "日本語メッセージ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Text(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Text(%q, %d)", tt.input, tt.maxLen)
		})
	}
}
