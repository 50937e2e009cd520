package respond

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/frames"
)

func TestParseActionBasic(t *testing.T) {
	af := parseAction(0, `bash { action: "Run tests" }`, "make test\n", slog.Default())
	require.NotNil(t, af)
	require.True(t, af.ok)
	assert.False(t, af.show)
	assert.Equal(t, "Run tests", af.element.Text.Text)
	assert.Equal(t, "make test", af.element.Value)
	assert.Equal(t, "action_0", af.element.ActionID)
}

func TestParseActionShow(t *testing.T) {
	af := parseAction(2, `bash { action: "Deploy", show: true }`, "deploy.sh", slog.Default())
	require.NotNil(t, af)
	assert.True(t, af.show)
	assert.Equal(t, "action_2", af.element.ActionID)
}

func TestParseActionLooseSpacing(t *testing.T) {
	af := parseAction(0, `bash {action:"Go"}`, "x", slog.Default())
	require.NotNil(t, af)
	assert.True(t, af.ok)
	assert.Equal(t, "Go", af.element.Text.Text)
}

func TestParseActionNotAnAction(t *testing.T) {
	assert.Nil(t, parseAction(0, "go", "code", slog.Default()))
	assert.Nil(t, parseAction(0, `go { foo: 1 }`, "code", slog.Default()))
	assert.Nil(t, parseAction(0, "", "code", slog.Default()))
}

func TestParseActionBlockKitCompacted(t *testing.T) {
	body := "{\n  \"blocks\": [\n    { \"type\": \"divider\" }\n  ]\n}"
	af := parseAction(0, `blockkit { action: "Approve" }`, body, slog.Default())
	require.NotNil(t, af)
	require.True(t, af.ok)
	assert.Equal(t, `{"blocks":[{"type":"divider"}]}`, af.element.Value)
}

func TestParseActionBlockKitInvalidDropped(t *testing.T) {
	af := parseAction(0, `blockkit { action: "Approve", show: true }`, "{nope", slog.Default())
	require.NotNil(t, af)
	assert.False(t, af.ok, "invalid block-kit payload must not become a button")
	assert.True(t, af.show, "fence visibility stays as authored")
}

func TestParseActionBlockKitScalarRejected(t *testing.T) {
	af := parseAction(0, `blockkit { action: "Approve" }`, `"just a string"`, slog.Default())
	require.NotNil(t, af)
	assert.False(t, af.ok)
}

func TestParseActionValueTooLong(t *testing.T) {
	af := parseAction(0, `bash { action: "Big" }`, strings.Repeat("x", maxButtonValue+1), slog.Default())
	require.NotNil(t, af)
	assert.False(t, af.ok)
}

func TestParseActionEmptyBody(t *testing.T) {
	af := parseAction(0, `bash { action: "Nothing" }`, "  \n", slog.Default())
	require.NotNil(t, af)
	assert.False(t, af.ok)
}

func TestRenderActionFenceHiddenByDefault(t *testing.T) {
	content := "Run this when ready:\n```bash { action: \"Run tests\" }\nmake test\n```"
	f := &frames.ProgressFrame{Content: content}
	_, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, 2)
	assert.Equal(t, chat.BlockSection, blocks[0].Type)
	require.Equal(t, chat.BlockActions, blocks[1].Type)
	require.Len(t, blocks[1].Elements, 1)
	assert.Equal(t, "Run tests", blocks[1].Elements[0].Text.Text)
	assert.Equal(t, "make test", blocks[1].Elements[0].Value)
}

func TestRenderActionFenceShownWhenAsked(t *testing.T) {
	content := "```bash { action: \"Run\", show: true }\nmake test\n```"
	f := &frames.ProgressFrame{Content: content}
	_, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, 2)
	assert.Equal(t, "```\nmake test\n```", blocks[0].Text.Text)
	assert.Equal(t, chat.BlockActions, blocks[1].Type)
}

func TestRenderMultipleActionsShareOneRow(t *testing.T) {
	content := "```bash { action: \"One\" }\necho 1\n```\n" +
		"```bash { action: \"Two\" }\necho 2\n```"
	f := &frames.ProgressFrame{Content: content}
	_, blocks := render(f, nil, slog.Default())

	require.Len(t, blocks, 1)
	require.Equal(t, chat.BlockActions, blocks[0].Type)
	require.Len(t, blocks[0].Elements, 2)
	assert.Equal(t, "action_0", blocks[0].Elements[0].ActionID)
	assert.Equal(t, "action_1", blocks[0].Elements[1].ActionID)
}

func TestEditButton(t *testing.T) {
	links := map[string]string{"U1": "https://git.example.com/acme/app/"}

	el, ok := editButton(&frames.ProgressFrame{UserID: "U1", GitBranch: "feat/login"}, links)
	require.True(t, ok)
	assert.Equal(t, "https://git.example.com/acme/app/tree/feat%2Flogin", el.URL)
	assert.Equal(t, "Edit", el.Text.Text)

	_, ok = editButton(&frames.ProgressFrame{UserID: "U1"}, links)
	assert.False(t, ok, "no branch, no button")

	_, ok = editButton(&frames.ProgressFrame{UserID: "U2", GitBranch: "main"}, links)
	assert.False(t, ok, "unknown user, no button")
}
