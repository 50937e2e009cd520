package chat

// Platform message limits. Text beyond MaxTextLen and blocks beyond
// MaxBlocks are rejected with msg_too_long / blocks_too_long.
const (
	MaxTextLen = 3000
	MaxBlocks  = 50
)

// Block kinds and text dialects understood by the platform.
const (
	BlockSection = "section"
	BlockActions = "actions"

	TextMarkdown = "mrkdwn"
	TextPlain    = "plain_text"
)

// Block is one element of a message's blocks array. The wire dialect
// discriminates on Type; fields irrelevant to a kind stay empty and are
// omitted from the JSON.
type Block struct {
	Type     string    `json:"type"`
	Text     *TextObj  `json:"text,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// TextObj is the platform's text wrapper.
type TextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// Element is an interactive element inside an actions block.
type Element struct {
	Type     string   `json:"type"`
	Text     *TextObj `json:"text,omitempty"`
	Value    string   `json:"value,omitempty"`
	ActionID string   `json:"action_id,omitempty"`
	URL      string   `json:"url,omitempty"`
	Style    string   `json:"style,omitempty"`
}

// Section returns a section block with markdown text.
func Section(text string) Block {
	return Block{
		Type: BlockSection,
		Text: &TextObj{Type: TextMarkdown, Text: text},
	}
}

// Actions returns an actions block wrapping the given elements.
func Actions(elements ...Element) Block {
	return Block{Type: BlockActions, Elements: elements}
}

// Button returns a value-carrying button element. The value is delivered
// back in the interaction payload when the button is pressed.
func Button(label, value, actionID string) Element {
	return Element{
		Type:     "button",
		Text:     &TextObj{Type: TextPlain, Text: label, Emoji: true},
		Value:    value,
		ActionID: actionID,
	}
}

// LinkButton returns a button that opens a URL instead of posting an
// interaction.
func LinkButton(label, url, actionID string) Element {
	return Element{
		Type:     "button",
		Text:     &TextObj{Type: TextPlain, Text: label, Emoji: true},
		URL:      url,
		ActionID: actionID,
	}
}
