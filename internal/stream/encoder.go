package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// Marshal renders ev as one complete data line, newline included.
func Marshal(ev Event) ([]byte, error) {
	w := wireEvent{Type: ev.Type()}
	switch e := ev.(type) {
	case SessionID:
		w.SessionID = e.ID
	case Thinking:
		w.Content = e.Text
	case ThinkingEnd:
	case Content:
		w.Content = e.Text
	case Usage:
		u := e.Usage
		w.Usage = &u
	case Done:
		w.Sources = e.Sources
	case Error:
		w.Error = e.Message
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}

	var out outboundEvent
	out.fromWire(w)
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	line := make([]byte, 0, len(DataPrefix)+len(payload)+1)
	line = append(line, DataPrefix...)
	line = append(line, payload...)
	return append(line, '\n'), nil
}

// WriteEvent writes ev to w as a data line.
func WriteEvent(w io.Writer, ev Event) error {
	line, err := Marshal(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// outboundEvent omits empty fields so encoded lines stay compact.
type outboundEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	Usage     interface{} `json:"usage,omitempty"`
	Sources   interface{} `json:"sources,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (o *outboundEvent) fromWire(w wireEvent) {
	o.Type = w.Type
	o.SessionID = w.SessionID
	o.Content = w.Content
	if w.Usage != nil {
		o.Usage = w.Usage
	}
	if len(w.Sources) > 0 {
		o.Sources = w.Sources
	}
	o.Error = w.Error
}
