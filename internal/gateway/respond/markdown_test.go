package respond

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/frames"
)

func TestMrkdwn(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "Do **this** first", "Do *this* first"},
		{"bold underscores", "Do __this__ first", "Do *this* first"},
		{"italic star", "an *emphasis* here", "an _emphasis_ here"},
		{"italic underscore", "an _emphasis_ here", "an _emphasis_ here"},
		{"heading", "# Title", "*Title*"},
		{"heading deep", "### Sub section", "*Sub section*"},
		{"heading keeps body", "# Title\n\nbody", "*Title*\n\nbody"},
		{"heading inner bold absorbed", "## Step **one**", "*Step one*"},
		{"strikethrough", "~~gone~~", "~gone~"},
		{"link", "see [docs](https://ex.com/d)", "see <https://ex.com/d|docs>"},
		{"image", "![diagram](https://ex.com/d.png)", "<https://ex.com/d.png|diagram>"},
		{"bullet dash", "- one\n- two", "• one\n• two"},
		{"bullet star", "* one\n* two", "• one\n• two"},
		{"bullet nested", "- one\n  - two", "• one\n  • two"},
		{"inline code keeps stars", "use `a * b * c` here", "use `a * b * c` here"},
		{"html stripped", "A <b>bold</b> move", "A bold move"},
		{"entity unescaped", "Tom &amp; Jerry", "Tom & Jerry"},
		{"bare ampersand survives", "pick a & b", "pick a & b"},
		{"plain text untouched", "nothing special", "nothing special"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mrkdwn(tt.in))
		})
	}
}

func TestSplitFences(t *testing.T) {
	chunks := splitFences("before\n```go\nline 1\nline 2\n```\nafter")
	require.Len(t, chunks, 3)

	assert.False(t, chunks[0].fence)
	assert.Equal(t, "before", chunks[0].body)

	assert.True(t, chunks[1].fence)
	assert.Equal(t, "go", chunks[1].info)
	assert.Equal(t, "line 1\nline 2", chunks[1].body)

	assert.False(t, chunks[2].fence)
	assert.Equal(t, "after", chunks[2].body)
}

func TestSplitFencesUnterminated(t *testing.T) {
	chunks := splitFences("text\n```\npartial output")
	require.Len(t, chunks, 2)
	assert.True(t, chunks[1].fence)
	assert.Equal(t, "partial output", chunks[1].body)
}

func TestSplitFencesOnlyCode(t *testing.T) {
	chunks := splitFences("```\nx := 1\n```")
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].fence)
	assert.Equal(t, "x := 1", chunks[0].body)
}

func TestRenderSplitsParagraphsIntoSections(t *testing.T) {
	f := &frames.ProgressFrame{Content: "first paragraph\n\nsecond paragraph"}
	_, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, 2)
	assert.Equal(t, "first paragraph", blocks[0].Text.Text)
	assert.Equal(t, "second paragraph", blocks[1].Text.Text)
}

func TestRenderKeepsFenceVerbatim(t *testing.T) {
	f := &frames.ProgressFrame{Content: "look:\n```go\nif x := f(); x != nil {\n```"}
	_, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, 2)
	assert.Equal(t, "```\nif x := f(); x != nil {\n```", blocks[1].Text.Text)
}

func TestRenderCapsBlocks(t *testing.T) {
	var b strings.Builder
	for i := 0; i < chat.MaxBlocks+10; i++ {
		fmt.Fprintf(&b, "paragraph %d\n\n", i)
	}
	f := &frames.ProgressFrame{Content: b.String()}
	_, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, chat.MaxBlocks)
	assert.Equal(t, "paragraph 0", blocks[0].Text.Text)
}

func TestRenderCapKeepsActionsRow(t *testing.T) {
	var b strings.Builder
	for i := 0; i < chat.MaxBlocks+10; i++ {
		fmt.Fprintf(&b, "paragraph %d\n\n", i)
	}
	f := &frames.ProgressFrame{Content: b.String(), UserID: "U1", GitBranch: "main"}
	links := map[string]string{"U1": "https://git.example.com/app"}
	_, blocks := render(f, links, slog.Default())

	require.Len(t, blocks, chat.MaxBlocks)
	assert.Equal(t, chat.BlockActions, blocks[chat.MaxBlocks-1].Type)
}

func TestRenderTruncatesLongSection(t *testing.T) {
	f := &frames.ProgressFrame{Content: strings.Repeat("a", chat.MaxTextLen+500)}
	text, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, 1)
	got := blocks[0].Text.Text
	assert.LessOrEqual(t, len(got), chat.MaxTextLen)
	assert.True(t, strings.HasSuffix(got, truncationNotice))
	assert.LessOrEqual(t, len(text), chat.MaxTextLen)
}

func TestRenderFallbackText(t *testing.T) {
	f := &frames.ProgressFrame{Content: "# Title\n\n**bold** and `code`\n```go\nsecret()\n```"}
	text, _ := render(f, nil, slog.Default())

	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "bold and code")
	assert.NotContains(t, text, "**")
	assert.NotContains(t, text, "#")
	assert.NotContains(t, text, "secret")
}

func TestRenderEmptyContent(t *testing.T) {
	f := &frames.ProgressFrame{Content: ""}
	text, blocks := render(f, nil, slog.Default())

	assert.Equal(t, "…", text)
	assert.Empty(t, blocks)
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := strings.Repeat("€", 1200) // 3 bytes each
	got := truncate(s)

	assert.LessOrEqual(t, len(got), chat.MaxTextLen)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, truncationNotice))
}

func TestTruncateShortStringUntouched(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))
}
