// Package stream decodes the assistant backend's line-framed event stream.
package stream

import "github.com/vanky2viva/omni-assistant/internal/domain"

// Wire tags carried in the "type" field of each data line.
const (
	TypeSessionID   = "session_id"
	TypeThinking    = "thinking"
	TypeThinkingEnd = "thinking_end"
	TypeContent     = "content"
	TypeUsage       = "usage"
	TypeDone        = "done"
	TypeError       = "error"
)

// Event is one decoded protocol event. The set of implementations is closed:
// SessionID, Thinking, ThinkingEnd, Content, Usage, Done and Error.
type Event interface {
	Type() string
	event()
}

// SessionID carries the backend-assigned session identifier.
type SessionID struct {
	ID string
}

// Thinking carries a fragment of the thinking channel.
type Thinking struct {
	Text string
}

// ThinkingEnd closes the thinking channel.
type ThinkingEnd struct{}

// Content carries a fragment of the answer text.
type Content struct {
	Text string
}

// Usage carries token counters.
type Usage struct {
	Usage domain.Usage
}

// Done marks successful completion of the answer.
type Done struct {
	Sources []domain.Source
}

// Error is a backend-reported failure.
type Error struct {
	Message string
}

func (SessionID) Type() string   { return TypeSessionID }
func (Thinking) Type() string    { return TypeThinking }
func (ThinkingEnd) Type() string { return TypeThinkingEnd }
func (Content) Type() string     { return TypeContent }
func (Usage) Type() string       { return TypeUsage }
func (Done) Type() string        { return TypeDone }
func (Error) Type() string       { return TypeError }

func (SessionID) event()   {}
func (Thinking) event()    {}
func (ThinkingEnd) event() {}
func (Content) event()     {}
func (Usage) event()       {}
func (Done) event()        {}
func (Error) event()       {}

// IsTerminal reports whether ev ends the stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Done, Error:
		return true
	}
	return false
}
