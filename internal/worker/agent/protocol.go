package agent

import (
	"encoding/json"
	"log/slog"
)

// streamRecord is one NDJSON line of agent output. The shape
// discriminates on Type; Message is a string for error records and an
// object for assistant records, so it stays raw until the type is
// known.
type streamRecord struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Content string          `json:"content"`
	Message json.RawMessage `json:"message"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type todoInput struct {
	Todos []Todo `json:"todos"`
}

// feed applies one stdout line to the transcript. Lines that are not
// JSON are kept as free text so plain-output agents still stream;
// recognized records map per type; anything else is dropped with a
// debug log.
func feed(t *Transcript, line []byte, log *slog.Logger) {
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		t.AppendText(string(line))
		return
	}

	switch rec.Type {
	case "system":
		// init and other housekeeping records, no user-visible text
	case "assistant":
		var msg assistantMessage
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			log.Debug("bad assistant record", "error", err)
			return
		}
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				t.AppendText(block.Text)
			case "tool_use":
				if block.Name != "TodoWrite" {
					continue
				}
				var in todoInput
				if err := json.Unmarshal(block.Input, &in); err != nil {
					log.Debug("bad TodoWrite input", "error", err)
					continue
				}
				t.SetTodos(in.Todos)
			}
		}
	case "text", "message":
		t.AppendText(rec.Content)
	case "error":
		var msg string
		if err := json.Unmarshal(rec.Message, &msg); err != nil || msg == "" {
			msg = "agent reported an error"
		}
		t.AppendText("⚠️ " + msg)
	default:
		log.Debug("unknown agent record", "type", rec.Type)
	}
}
