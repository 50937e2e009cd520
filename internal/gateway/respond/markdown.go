package respond

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/frames"
)

// The platform dialect has no headers, bold uses single stars and
// links invert to <url|text>. Conversions run per prose chunk; fenced
// code never passes through them.
var (
	reHeading     = regexp.MustCompile(`(?m)^#{1,6}\s+(.*)$`)
	reHeadingMark = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reBold        = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reItalicStar  = regexp.MustCompile(`\*(.+?)\*`)
	reItalicAny   = regexp.MustCompile(`\*(.+?)\*|_(.+?)_`)
	reStrike      = regexp.MustCompile(`~~(.+?)~~`)
	reInlineCode  = regexp.MustCompile("`([^`\n]*)`")
	reImageLink   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]*)\)`)
	reLink        = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)
	reBullet      = regexp.MustCompile(`(?m)^(\s*)[-*+]\s+`)

	htmlPolicy = bluemonday.StrictPolicy()
)

const truncationNotice = "…[truncated]"

// chunk is a run of prose or one fenced code block.
type chunk struct {
	fence bool
	info  string
	body  string
}

// render turns a frame's markdown into the platform text and blocks.
// The returned text is the notification fallback.
func render(f *frames.ProgressFrame, links map[string]string, log *slog.Logger) (string, []chat.Block) {
	chunks := splitFences(f.Content)

	var sections []string
	var buttons []chat.Element

	for _, ch := range chunks {
		if ch.fence {
			if af := parseAction(len(buttons), ch.info, ch.body, log); af != nil {
				if af.ok {
					buttons = append(buttons, af.element)
				}
				if !af.show {
					continue
				}
			}
			sections = append(sections, fenceText(ch.body))
			continue
		}
		sections = append(sections, splitParagraphs(mrkdwn(ch.body))...)
	}

	if el, ok := editButton(f, links); ok {
		buttons = append(buttons, el)
	}

	var blocks []chat.Block
	for _, s := range sections {
		blocks = append(blocks, chat.Section(truncate(s)))
	}
	if len(buttons) > 0 {
		blocks = append(blocks, chat.Actions(buttons...))
	}
	if len(blocks) > chat.MaxBlocks {
		if len(buttons) > 0 {
			// The actions row survives the cut.
			last := blocks[len(blocks)-1]
			blocks = append(blocks[:chat.MaxBlocks-1], last)
		} else {
			blocks = blocks[:chat.MaxBlocks]
		}
	}

	text := truncate(fallbackText(chunks))
	if text == "" {
		text = "…"
	}
	return text, blocks
}

// splitFences separates content into prose and fenced-code chunks.
// Only full-line fences toggle; an unterminated fence still renders as
// one.
func splitFences(content string) []chunk {
	var chunks []chunk
	var cur strings.Builder
	var info string
	inFence := false

	flush := func(fence bool) {
		text := cur.String()
		if fence || strings.TrimSpace(text) != "" {
			chunks = append(chunks, chunk{fence: fence, info: info, body: text})
		}
		cur.Reset()
		info = ""
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				flush(true)
				inFence = false
			} else {
				flush(false)
				info = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				inFence = true
			}
			continue
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush(inFence)
	return chunks
}

// mrkdwn converts one prose chunk. Inline code spans are shielded so
// stars inside them survive, raw HTML is stripped before the sigil
// rewrites, and converted bold is parked on NUL until the italic pass
// ran.
func mrkdwn(prose string) string {
	var codes []string
	s := reInlineCode.ReplaceAllStringFunc(prose, func(m string) string {
		codes = append(codes, m)
		return fmt.Sprintf("%d", len(codes)-1)
	})

	s = htmlPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	s = reBold.ReplaceAllString(s, "\x00${1}${2}\x00")
	s = reHeading.ReplaceAllStringFunc(s, func(m string) string {
		txt := reHeading.FindStringSubmatch(m)[1]
		txt = strings.ReplaceAll(txt, "\x00", "")
		return "\x00" + txt + "\x00"
	})
	s = reBullet.ReplaceAllString(s, "$1• ")
	s = reItalicStar.ReplaceAllString(s, "_${1}_")
	s = strings.ReplaceAll(s, "\x00", "*")
	s = reStrike.ReplaceAllString(s, "~$1~")
	s = reImageLink.ReplaceAllString(s, "<$2|$1>")
	s = reLink.ReplaceAllString(s, "<$2|$1>")

	for i, code := range codes {
		s = strings.Replace(s, fmt.Sprintf("%d", i), code, 1)
	}
	return strings.TrimSpace(s)
}

// splitParagraphs breaks converted prose on blank lines, one section
// per paragraph.
func splitParagraphs(s string) []string {
	var out []string
	for _, para := range strings.Split(s, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			out = append(out, para)
		}
	}
	return out
}

func fenceText(body string) string {
	return "```\n" + strings.TrimRight(body, "\n") + "\n```"
}

// fallbackText strips markdown from the prose chunks, plaintext for
// notifications and block-less clients.
func fallbackText(chunks []chunk) string {
	var parts []string
	for _, ch := range chunks {
		if ch.fence {
			continue
		}
		if s := stripMarkdown(ch.body); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func stripMarkdown(s string) string {
	s = reHeadingMark.ReplaceAllString(s, "")
	s = reBullet.ReplaceAllString(s, "$1")
	s = reBold.ReplaceAllString(s, "${1}${2}")
	s = reItalicAny.ReplaceAllString(s, "${1}${2}")
	s = reStrike.ReplaceAllString(s, "$1")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reImageLink.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = htmlPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// truncate caps s at the platform text limit, cutting on a rune
// boundary and appending a notice.
func truncate(s string) string {
	if len(s) <= chat.MaxTextLen {
		return s
	}
	cut := chat.MaxTextLen - len(truncationNotice)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationNotice
}
