// Package conversation holds the ordered, append-only turn history of one
// session. A Store is not safe for concurrent use; its owner serializes access.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

var (
	// ErrTurnNotFound is returned when no turn has the given id.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrTurnFinalized is returned when mutating a turn in a terminal state.
	ErrTurnFinalized = errors.New("turn already finalized")
	// ErrTurnInFlight is returned when a second assistant turn is started
	// while another is still pending or streaming.
	ErrTurnInFlight = errors.New("assistant turn already in flight")
)

// Store is the conversation history.
type Store struct {
	turns []domain.Turn
	index map[string]int
	now   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Len returns the number of turns.
func (s *Store) Len() int { return len(s.turns) }

// AppendUser appends a finalized user turn and returns a copy of it.
func (s *Store) AppendUser(content string) domain.Turn {
	t := domain.Turn{
		ID:        uuid.New().String(),
		Role:      domain.RoleUser,
		Status:    domain.TurnStatusFinalized,
		Content:   content,
		CreatedAt: s.now(),
	}
	s.push(t)
	return t.Clone()
}

// AppendAssistant appends a pending assistant turn.
func (s *Store) AppendAssistant() (domain.Turn, error) {
	if id, ok := s.InFlight(); ok {
		return domain.Turn{}, fmt.Errorf("%w: %s", ErrTurnInFlight, id)
	}
	t := domain.Turn{
		ID:        uuid.New().String(),
		Role:      domain.RoleAssistant,
		Status:    domain.TurnStatusPending,
		CreatedAt: s.now(),
	}
	s.push(t)
	return t.Clone(), nil
}

func (s *Store) push(t domain.Turn) {
	s.index[t.ID] = len(s.turns)
	s.turns = append(s.turns, t)
}

// InFlight returns the id of the assistant turn that is pending or streaming.
func (s *Store) InFlight() (string, bool) {
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := s.turns[i]
		if t.Role == domain.RoleAssistant && !t.Status.IsTerminal() {
			return t.ID, true
		}
	}
	return "", false
}

func (s *Store) mutable(id string) (*domain.Turn, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
	}
	t := &s.turns[i]
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTurnFinalized, id)
	}
	return t, nil
}

// MarkStreaming moves a pending turn to streaming. It is a no-op for a turn
// that is already streaming.
func (s *Store) MarkStreaming(id string) error {
	t, err := s.mutable(id)
	if err != nil {
		return err
	}
	t.Status = domain.TurnStatusStreaming
	return nil
}

// AppendContent appends a fragment of answer text.
func (s *Store) AppendContent(id, text string) error {
	t, err := s.mutable(id)
	if err != nil {
		return err
	}
	t.Content += text
	return nil
}

// AppendThinking appends a fragment of the thinking channel.
func (s *Store) AppendThinking(id, text string) error {
	t, err := s.mutable(id)
	if err != nil {
		return err
	}
	t.Thinking += text
	return nil
}

// MarkThinkingDone closes the thinking channel of a turn.
func (s *Store) MarkThinkingDone(id string) error {
	t, err := s.mutable(id)
	if err != nil {
		return err
	}
	t.ThinkingDone = true
	return nil
}

// Finalize completes a turn with its sources and extracted decision.
func (s *Store) Finalize(id string, sources []domain.Source, decision *domain.DecisionData) (domain.Turn, error) {
	t, err := s.mutable(id)
	if err != nil {
		return domain.Turn{}, err
	}
	t.Status = domain.TurnStatusFinalized
	if len(sources) > 0 {
		t.Sources = append([]domain.Source(nil), sources...)
	}
	if decision != nil {
		d := decision.Clone()
		t.Decision = &d
	}
	return t.Clone(), nil
}

// Fail marks a turn failed and replaces its content with message.
func (s *Store) Fail(id, message string) (domain.Turn, error) {
	t, err := s.mutable(id)
	if err != nil {
		return domain.Turn{}, err
	}
	t.Status = domain.TurnStatusFailed
	t.Content = message
	return t.Clone(), nil
}

// Get returns a copy of one turn.
func (s *Store) Get(id string) (domain.Turn, error) {
	i, ok := s.index[id]
	if !ok {
		return domain.Turn{}, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
	}
	return s.turns[i].Clone(), nil
}

// Turns returns a deep copy of every turn in conversation order.
func (s *Store) Turns() []domain.Turn {
	out := make([]domain.Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// History returns the finalized turns as chat messages, in order. Pending,
// streaming and failed turns are left out.
func (s *Store) History() []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(s.turns))
	for _, t := range s.turns {
		if t.Status != domain.TurnStatusFinalized {
			continue
		}
		out = append(out, domain.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return out
}
