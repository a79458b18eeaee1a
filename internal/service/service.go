// Package service manages the conversations served by the gateway. Each
// conversation key maps to one session; snapshots are pushed to the hub.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vanky2viva/omni-assistant/internal/adapter/assistantapi"
	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/protocol"
	"github.com/vanky2viva/omni-assistant/internal/session"
)

var (
	// ErrConversationNotFound is returned for an unknown conversation key.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNoDecision is returned when a turn carries no decision.
	ErrNoDecision = errors.New("turn has no decision")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("service is closed")
)

// Broadcaster pushes messages to the live connections of a conversation.
type Broadcaster interface {
	HasActiveConnections(key string) bool
	BroadcastJSON(key string, v interface{}) error
}

// Archive keeps finalized exchanges and lists them back.
type Archive interface {
	session.HistoryWriter
	ListTurns(ctx context.Context, sessionID string, limit int, before string) ([]domain.ArchivedTurn, error)
}

// Gate assigns an action gate to each action of a decision.
type Gate interface {
	Cards(ctx context.Context, d *domain.DecisionData) ([]domain.DecisionCard, error)
}

type conversationEntry struct {
	sess        *session.Session
	unsubscribe func()
}

// Service owns every open conversation.
type Service struct {
	config  *config.Config
	backend assistantapi.AssistantClient
	ids     session.IDStore
	archive Archive
	gate    Gate
	hub     Broadcaster
	logger  zerolog.Logger

	mu            sync.Mutex
	conversations map[string]*conversationEntry
	closed        bool
}

// New creates a service. ids, archive, gate and hub may be nil.
func New(cfg *config.Config, backend assistantapi.AssistantClient, ids session.IDStore, archive Archive, gate Gate, hub Broadcaster) *Service {
	return &Service{
		config:        cfg,
		backend:       backend,
		ids:           ids,
		archive:       archive,
		gate:          gate,
		hub:           hub,
		logger:        log.With().Str("component", "service").Logger(),
		conversations: make(map[string]*conversationEntry),
	}
}

// CreateConversation opens the conversation with the given key, or a new one
// when key is empty. An open conversation is reused as is.
func (s *Service) CreateConversation(ctx context.Context, key string) (string, domain.Snapshot, error) {
	if key == "" {
		key = uuid.New().String()
	}
	if entry, err := s.lookup(key); err == nil {
		return key, entry.sess.Snapshot(), nil
	} else if errors.Is(err, ErrClosed) {
		return "", domain.Snapshot{}, err
	}

	sess := session.New(s.sessionConfig(key), session.Deps{
		Streamer: s.backend,
		History:  s.historyWriter(key),
		IDs:      s.ids,
	})
	if err := sess.Init(ctx); err != nil {
		return "", domain.Snapshot{}, fmt.Errorf("failed to init conversation: %w", err)
	}

	entry := &conversationEntry{sess: sess}
	entry.unsubscribe = sess.Subscribe(func(snap domain.Snapshot) {
		s.publish(key, snap)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		entry.close()
		return "", domain.Snapshot{}, ErrClosed
	}
	if existing, ok := s.conversations[key]; ok {
		s.mu.Unlock()
		entry.close()
		return key, existing.sess.Snapshot(), nil
	}
	s.conversations[key] = entry
	s.mu.Unlock()

	s.logger.Info().Str("conversation", key).Str("session_id", sess.SessionID()).Msg("conversation opened")
	return key, sess.Snapshot(), nil
}

func (s *Service) sessionConfig(key string) session.Config {
	base := s.config.SessionKey
	if base == "" {
		base = session.DefaultSessionKey
	}
	return session.Config{
		Name:              key,
		SessionKey:        base + ":" + key,
		Model:             s.config.Model,
		Temperature:       s.config.Temperature,
		IncludeSystemData: s.config.IncludeSystemData,
		DataSummaryDays:   s.config.DataSummaryDays,
		ShopID:            s.config.ShopID,
		HistoryTimeout:    s.config.HistoryTimeout,
	}
}

func (s *Service) publish(key string, snap domain.Snapshot) {
	if s.hub == nil || !s.hub.HasActiveConnections(key) {
		return
	}
	if err := s.hub.BroadcastJSON(key, protocol.NewSnapshot(key, snap)); err != nil {
		s.logger.Error().Err(err).Str("conversation", key).Msg("failed to broadcast snapshot")
	}
}

func (s *Service) lookup(key string) (*conversationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	entry, ok := s.conversations[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, key)
	}
	return entry, nil
}

// Snapshot returns the current state of a conversation.
func (s *Service) Snapshot(key string) (domain.Snapshot, error) {
	entry, err := s.lookup(key)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return entry.sess.Snapshot(), nil
}

// Submit sends a user message and returns the id of the assistant turn that
// will hold the answer.
func (s *Service) Submit(ctx context.Context, key, text string) (string, error) {
	entry, err := s.lookup(key)
	if err != nil {
		return "", err
	}
	return entry.sess.Submit(ctx, text)
}

// Cancel stops the in-flight answer of a conversation, if any.
func (s *Service) Cancel(key string) error {
	entry, err := s.lookup(key)
	if err != nil {
		return err
	}
	entry.sess.Cancel()
	return nil
}

// Wait blocks until the conversation has no answer or history write in flight.
func (s *Service) Wait(ctx context.Context, key string) error {
	entry, err := s.lookup(key)
	if err != nil {
		return err
	}
	return entry.sess.Wait(ctx)
}

// CloseConversation cancels and forgets one conversation.
func (s *Service) CloseConversation(key string) error {
	s.mu.Lock()
	entry, ok := s.conversations[key]
	delete(s.conversations, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, key)
	}
	entry.close()
	return nil
}

// ConversationCount returns the number of open conversations.
func (s *Service) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Close cancels every conversation. The service rejects further calls.
func (s *Service) Close() {
	s.closeAll()
}

// Shutdown closes the service like Close, then waits until the history writes
// of every conversation have finished or ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, entry := range s.closeAll() {
		if err := entry.sess.Wait(ctx); err != nil {
			return fmt.Errorf("failed to drain history writes: %w", err)
		}
	}
	return nil
}

func (s *Service) closeAll() map[string]*conversationEntry {
	s.mu.Lock()
	entries := s.conversations
	s.conversations = make(map[string]*conversationEntry)
	s.closed = true
	s.mu.Unlock()

	for _, entry := range entries {
		entry.close()
	}
	return entries
}

func (e *conversationEntry) close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.sess.Close()
}
