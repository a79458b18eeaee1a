package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// DataPrefix marks lines that carry an event payload.
const DataPrefix = "data: "

const (
	defaultChunkSize = 4096
	// DefaultMaxLineSize bounds a single buffered line.
	DefaultMaxLineSize = 1 << 20
)

// wireEvent is the loosely typed JSON object found after the data prefix.
type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Content   string          `json:"content"`
	Usage     *domain.Usage   `json:"usage"`
	Sources   []domain.Source `json:"sources"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Decoder turns a chunked byte stream into events. It is single use.
type Decoder struct {
	r        io.Reader
	chunk    []byte
	buf      []byte
	maxLine  int
	skipping bool
	done     bool
	err      error
	line     int
	logger   zerolog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithChunkSize sets the size of each read from the source.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// WithMaxLineSize sets the longest line the decoder will buffer.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithLogger replaces the decoder's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:       r,
		chunk:   make([]byte, defaultChunkSize),
		maxLine: DefaultMaxLineSize,
		logger:  log.With().Str("component", "stream_decoder").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. It returns io.EOF once the source is exhausted,
// or the source's read error.
func (d *Decoder) Next() (Event, error) {
	for {
		if line, ok := d.cutLine(); ok {
			if ev, ok := d.decodeLine(line); ok {
				return ev, nil
			}
			continue
		}

		if d.done {
			if errors.Is(d.err, io.EOF) && len(d.buf) > 0 && !d.skipping {
				rest := d.buf
				d.buf = nil
				if ev, ok := d.decodeLine(bytes.TrimSuffix(rest, []byte("\r"))); ok {
					return ev, nil
				}
			}
			d.buf = nil
			return nil, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.append(d.chunk[:n])
		}
		if err != nil {
			d.done = true
			d.err = err
		}
	}
}

// Each calls fn for every event until the source ends. A clean end of stream
// returns nil; fn's error stops decoding and is returned.
func (d *Decoder) Each(fn func(Event) error) error {
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (d *Decoder) append(p []byte) {
	if d.skipping {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return
		}
		d.skipping = false
		p = p[i+1:]
	}
	d.buf = append(d.buf, p...)
	if len(d.buf) > d.maxLine && bytes.IndexByte(d.buf, '\n') < 0 {
		d.logger.Warn().Int("size", len(d.buf)).Int("max", d.maxLine).Msg("discarding oversized line")
		d.buf = d.buf[:0]
		d.skipping = true
	}
}

func (d *Decoder) cutLine() ([]byte, bool) {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return nil, false
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		d.line++
		if len(line) > d.maxLine {
			d.logger.Warn().Int("line", d.line).Int("size", len(line)).Msg("discarding oversized line")
			continue
		}
		return bytes.TrimSuffix(line, []byte("\r")), true
	}
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return nil, false
	}
	payload := line[len(DataPrefix):]
	ev, err := parseEvent(payload)
	if err != nil {
		d.logger.Warn().Err(err).Int("line", d.line).Str("payload", truncate(string(payload), 200)).Msg("failed to decode event line")
		return nil, false
	}
	return ev, true
}

func parseEvent(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("invalid event json: %w", err)
	}

	switch w.Type {
	case TypeSessionID:
		id := w.SessionID
		if id == "" {
			id = w.Content
		}
		if id == "" {
			return nil, fmt.Errorf("session_id event without id")
		}
		return SessionID{ID: id}, nil
	case TypeThinking:
		return Thinking{Text: w.Content}, nil
	case TypeThinkingEnd:
		return ThinkingEnd{}, nil
	case TypeContent:
		return Content{Text: w.Content}, nil
	case TypeUsage:
		if w.Usage != nil {
			return Usage{Usage: *w.Usage}, nil
		}
		return Usage{Usage: domain.Usage{
			PromptTokens:     w.PromptTokens,
			CompletionTokens: w.CompletionTokens,
			TotalTokens:      w.TotalTokens,
		}}, nil
	case TypeDone:
		return Done{Sources: w.Sources}, nil
	case TypeError:
		msg := w.Error
		if msg == "" {
			msg = w.Message
		}
		return Error{Message: msg}, nil
	case "":
		return nil, fmt.Errorf("event without type")
	}
	return nil, fmt.Errorf("unknown event type %q", w.Type)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
