package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/frames"
)

// Action fences carry button metadata in the info string:
//
//	```bash { action: "Run tests", show: true }
//
// The fence body becomes the button value. Agents produce the meta
// part free-hand, so it is matched loosely rather than parsed as JSON.
var (
	reActionLabel = regexp.MustCompile(`action:\s*"([^"]*)"`)
	reActionShow  = regexp.MustCompile(`show:\s*true`)
)

// maxButtonValue is the platform cap on a button's value payload.
const maxButtonValue = 2000

type actionFence struct {
	element chat.Element
	show    bool
	ok      bool
}

// parseAction returns nil when the fence is not an action fence. An
// action fence whose button cannot be built keeps its show preference
// so the body visibility stays as authored.
func parseAction(idx int, info, body string, log *slog.Logger) *actionFence {
	brace := strings.Index(info, "{")
	if brace < 0 || !strings.HasSuffix(strings.TrimSpace(info), "}") {
		return nil
	}
	meta := info[brace:]
	m := reActionLabel.FindStringSubmatch(meta)
	if m == nil {
		return nil
	}
	label := m[1]
	af := &actionFence{show: reActionShow.MatchString(meta)}

	value := strings.TrimSpace(body)
	if strings.TrimSpace(info[:brace]) == "blockkit" {
		compact, err := compactJSON(value)
		if err != nil {
			log.Warn("dropping action button, bad block-kit payload", "label", label, "error", err)
			return af
		}
		value = compact
	}
	if value == "" {
		log.Warn("dropping action button with empty value", "label", label)
		return af
	}
	if len(value) > maxButtonValue {
		log.Warn("dropping action button, value too long", "label", label, "len", len(value))
		return af
	}

	af.element = chat.Button(label, value, fmt.Sprintf("action_%d", idx))
	af.ok = true
	return af
}

// compactJSON re-marshals a block-kit payload into its minimal form so
// more of it fits under the value cap.
func compactJSON(s string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return "", err
	}
	switch v.(type) {
	case map[string]any, []any:
	default:
		return "", errors.New("payload must be a JSON object or array")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// editButton links to the branch the worker pushed, when the user's
// repository is known.
func editButton(f *frames.ProgressFrame, links map[string]string) (chat.Element, bool) {
	if f.GitBranch == "" {
		return chat.Element{}, false
	}
	base := links[f.UserID]
	if base == "" {
		return chat.Element{}, false
	}
	u := strings.TrimSuffix(base, "/") + "/tree/" + url.PathEscape(f.GitBranch)
	return chat.LinkButton("Edit", u, "edit_branch"), true
}
