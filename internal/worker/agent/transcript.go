package agent

import "strings"

// Todo is one TodoWrite list entry.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Transcript accumulates the user-visible output of one run. A
// TodoWrite replaces everything rendered so far with its todo list;
// text arriving after it appends below the list.
type Transcript struct {
	todos []Todo
	text  strings.Builder
}

// AppendText adds a chunk of agent text. Empty chunks are dropped.
func (t *Transcript) AppendText(s string) {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return
	}
	if t.text.Len() > 0 {
		t.text.WriteByte('\n')
	}
	t.text.WriteString(s)
}

// SetTodos installs the latest todo list and clears accumulated text.
func (t *Transcript) SetTodos(todos []Todo) {
	t.todos = todos
	t.text.Reset()
}

// Render returns the transcript as markdown: the todo list, then any
// text below it.
func (t *Transcript) Render() string {
	var parts []string
	if len(t.todos) > 0 {
		parts = append(parts, renderTodos(t.todos))
	}
	if t.text.Len() > 0 {
		parts = append(parts, t.text.String())
	}
	return strings.Join(parts, "\n\n")
}

func renderTodos(todos []Todo) string {
	var b strings.Builder
	for i, td := range todos {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(todoEmoji(td.Status))
		b.WriteByte(' ')
		b.WriteString(td.Content)
	}
	return b.String()
}

func todoEmoji(status string) string {
	switch status {
	case "completed":
		return "✅"
	case "in_progress":
		return "🔄"
	default:
		return "⬜"
	}
}
