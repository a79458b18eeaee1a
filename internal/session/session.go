// Package session drives one streamed conversation with the assistant backend.
//
// A Session owns its conversation history. Submit opens a single streamed
// request and applies the decoded events to the in-flight assistant turn in
// arrival order; observers receive an immutable snapshot after every change.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vanky2viva/omni-assistant/internal/conversation"
	"github.com/vanky2viva/omni-assistant/internal/decision"
	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/stream"
)

var (
	// ErrInvalidState is returned by Submit while a previous answer is in flight.
	ErrInvalidState = errors.New("session is not idle")
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("session is closed")
)

// Messages written into failed assistant turns.
const (
	ErrorPrefix             = "❌ 抱歉，发生了错误："
	UnexpectedEndMessage    = ErrorPrefix + "流式响应意外结束"
	TransportFailureMessage = ErrorPrefix + "网络请求失败，请稍后重试"
	UnknownErrorMessage     = ErrorPrefix + "未知错误"
	CancelledMessage        = "⏹ 已取消本次回答"
)

// DefaultSessionKey is the identity store key used when none is configured.
const DefaultSessionKey = "ai_chat_session_id"

const defaultHistoryTimeout = 10 * time.Second

// Streamer opens the streamed response for one chat request. Closing the
// returned body must unblock any pending Read.
type Streamer interface {
	OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}

// HistoryWriter persists a completed exchange.
type HistoryWriter interface {
	SaveExchange(ctx context.Context, ex domain.Exchange) error
}

// IDStore is the durable slot holding the session id across reloads.
// LoadSessionID returns "" without error when nothing is stored.
type IDStore interface {
	LoadSessionID(ctx context.Context, key string) (string, error)
	SaveSessionID(ctx context.Context, key, id string) error
}

// Observer receives snapshots in state order. It runs synchronously with the
// state change and must not call back into the session.
type Observer func(domain.Snapshot)

// Config holds the per-session request parameters.
type Config struct {
	// Name labels log lines; the service uses the conversation key.
	Name              string
	SessionID         string
	SessionKey        string
	Model             string
	Temperature       float64
	IncludeSystemData *bool
	DataSummaryDays   *int
	ShopID            string
	HistoryTimeout    time.Duration
}

// Deps are the session's collaborators. Streamer is required.
type Deps struct {
	Streamer Streamer
	History  HistoryWriter
	IDs      IDStore
}

// Session is one conversation.
type Session struct {
	cfg      Config
	streamer Streamer
	history  HistoryWriter
	ids      IDStore
	logger   zerolog.Logger

	mu        sync.Mutex
	store     *conversation.Store
	sessionID string
	status    domain.SessionStatus
	lastUsage *domain.Usage
	version   uint64
	run       *run
	// pending holds the done channels of runs and history writes not yet finished.
	pending   map[chan struct{}]struct{}
	observers []subscriber
	nextObs   int
	closed    bool

	// notifyMu is taken before mu is released so observers see snapshots in order.
	notifyMu sync.Mutex
}

type subscriber struct {
	id  int
	obs Observer
}

// run is one in-flight answer.
type run struct {
	userTurnID string
	turnID     string
	usage      *domain.Usage
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an idle session.
func New(cfg Config, deps Deps) *Session {
	if cfg.SessionKey == "" {
		cfg.SessionKey = DefaultSessionKey
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = defaultHistoryTimeout
	}
	logger := log.With().Str("component", "session").Logger()
	if cfg.Name != "" {
		logger = logger.With().Str("conversation", cfg.Name).Logger()
	}
	return &Session{
		cfg:       cfg,
		streamer:  deps.Streamer,
		history:   deps.History,
		ids:       deps.IDs,
		logger:    logger,
		store:     conversation.NewStore(),
		sessionID: cfg.SessionID,
		status:    domain.SessionStatusIdle,
		pending:   make(map[chan struct{}]struct{}),
	}
}

// Init restores the persisted session id unless one is already known.
func (s *Session) Init(ctx context.Context) error {
	if s.ids == nil {
		return nil
	}
	s.mu.Lock()
	known := s.sessionID != ""
	s.mu.Unlock()
	if known {
		return nil
	}

	id, err := s.ids.LoadSessionID(ctx, s.cfg.SessionKey)
	if err != nil {
		return fmt.Errorf("failed to load session id: %w", err)
	}
	s.mu.Lock()
	if s.sessionID != "" || id == "" {
		s.mu.Unlock()
		return nil
	}
	s.sessionID = id
	s.unlockAndNotify()
	s.logger.Debug().Str("session_id", id).Msg("restored session id")
	return nil
}

// Submit sends text as a new user turn and starts streaming the answer in the
// background. It returns the id of the assistant turn being produced.
func (s *Session) Submit(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.status != domain.SessionStatusIdle {
		status := s.status
		s.mu.Unlock()
		return "", fmt.Errorf("%w: status is %s", ErrInvalidState, status)
	}

	user := s.store.AppendUser(text)
	asst, err := s.store.AppendAssistant()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("failed to start assistant turn: %w", err)
	}
	req := domain.ChatRequest{
		Messages:          s.store.History(),
		Model:             s.cfg.Model,
		Temperature:       s.cfg.Temperature,
		SessionID:         s.sessionID,
		IncludeSystemData: s.cfg.IncludeSystemData,
		DataSummaryDays:   s.cfg.DataSummaryDays,
		ShopID:            s.cfg.ShopID,
	}

	// The answer outlives the caller's request; only Cancel and Close stop it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		userTurnID: user.ID,
		turnID:     asst.ID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.run = r
	s.pending[r.done] = struct{}{}
	s.status = domain.SessionStatusAwaitingResponse
	s.unlockAndNotify()

	s.logger.Info().Str("turn_id", asst.ID).Int("messages", len(req.Messages)).Msg("submitted message")
	go s.execute(runCtx, r, req)
	return asst.ID, nil
}

func (s *Session) execute(ctx context.Context, r *run, req domain.ChatRequest) {
	defer s.release(r.done)
	defer r.cancel()

	body, err := s.streamer.OpenStream(ctx, req)
	if err != nil {
		s.failTransport(r, err)
		return
	}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	dec := stream.NewDecoder(body, stream.WithLogger(s.logger))
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			s.finishUnexpected(r)
			return
		}
		if err != nil {
			s.failTransport(r, err)
			return
		}
		if !s.apply(r, ev) {
			return
		}
	}
}

// apply mutates state for one event and reports whether the run continues.
func (s *Session) apply(r *run, ev stream.Event) bool {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}

	if s.status == domain.SessionStatusAwaitingResponse {
		s.status = domain.SessionStatusStreaming
		s.check(s.store.MarkStreaming(r.turnID))
	}

	var (
		adopted string
		write   *pendingWrite
		cont    = true
	)
	switch e := ev.(type) {
	case stream.SessionID:
		switch {
		case e.ID == "":
		case s.sessionID == "":
			s.sessionID = e.ID
			adopted = e.ID
		case s.sessionID != e.ID:
			s.logger.Warn().Str("session_id", s.sessionID).Str("ignored", e.ID).Msg("ignoring conflicting session id")
		}
	case stream.Thinking:
		s.check(s.store.AppendThinking(r.turnID, e.Text))
	case stream.ThinkingEnd:
		s.check(s.store.MarkThinkingDone(r.turnID))
	case stream.Content:
		s.check(s.store.AppendContent(r.turnID, e.Text))
	case stream.Usage:
		u := e.Usage
		r.usage = &u
		s.lastUsage = &u
		s.logger.Debug().Int("prompt_tokens", u.PromptTokens).Int("completion_tokens", u.CompletionTokens).
			Int("total_tokens", u.TotalTokens).Msg("usage")
	case stream.Done:
		write = s.finalize(r, e.Sources)
		cont = false
	case stream.Error:
		s.logger.Warn().Str("turn_id", r.turnID).Str("error", e.Message).Msg("backend reported error")
		msg := UnknownErrorMessage
		if strings.TrimSpace(e.Message) != "" {
			msg = ErrorPrefix + e.Message
		}
		_, err := s.store.Fail(r.turnID, msg)
		s.check(err)
		s.endRun(domain.SessionStatusIdle)
		cont = false
	}
	s.unlockAndNotify()

	if adopted != "" {
		s.saveSessionID(adopted)
	}
	if write != nil {
		go write.run(s)
	}
	return cont
}

// finalize completes the in-flight turn. Called with mu held.
func (s *Session) finalize(r *run, sources []domain.Source) *pendingWrite {
	current, err := s.store.Get(r.turnID)
	if err != nil {
		s.check(err)
		s.endRun(domain.SessionStatusIdle)
		return nil
	}
	final, err := s.store.Finalize(r.turnID, sources, decision.Extract(current.Content))
	s.check(err)
	s.endRun(domain.SessionStatusIdle)
	s.logger.Info().Str("turn_id", r.turnID).Int("content_len", len(final.Content)).
		Bool("decision", final.Decision != nil).Msg("answer finalized")

	if s.history == nil || err != nil {
		return nil
	}
	user, err := s.store.Get(r.userTurnID)
	if err != nil {
		s.check(err)
		return nil
	}
	w := &pendingWrite{
		done: make(chan struct{}),
		exchange: domain.Exchange{
			SessionID: s.sessionID,
			User:      user,
			Assistant: final,
			History:   s.store.History(),
			Usage:     r.usage,
		},
	}
	s.pending[w.done] = struct{}{}
	return w
}

// pendingWrite is a fire-and-forget history write tracked for Wait.
type pendingWrite struct {
	exchange domain.Exchange
	done     chan struct{}
}

func (w *pendingWrite) run(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
	defer cancel()
	if err := s.history.SaveExchange(ctx, w.exchange); err != nil {
		s.logger.Error().Err(err).Str("turn_id", w.exchange.Assistant.ID).Msg("failed to persist history")
	}
	s.release(w.done)
}

func (s *Session) release(done chan struct{}) {
	s.mu.Lock()
	delete(s.pending, done)
	s.mu.Unlock()
	close(done)
}

func (s *Session) finishUnexpected(r *run) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.logger.Warn().Str("turn_id", r.turnID).Msg("stream ended without a terminal event")
	_, err := s.store.Fail(r.turnID, UnexpectedEndMessage)
	s.check(err)
	s.endRun(domain.SessionStatusIdle)
	s.unlockAndNotify()
}

// failTransport fails the turn, reports the error status once, then returns
// the session to idle so the user can resubmit.
func (s *Session) failTransport(r *run, cause error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.logger.Error().Err(cause).Str("turn_id", r.turnID).Msg("stream transport failed")
	_, err := s.store.Fail(r.turnID, TransportFailureMessage)
	s.check(err)
	s.endRun(domain.SessionStatusError)
	s.unlockAndNotify()

	s.mu.Lock()
	if s.status != domain.SessionStatusError {
		s.mu.Unlock()
		return
	}
	s.status = domain.SessionStatusIdle
	s.unlockAndNotify()
}

// Cancel aborts the in-flight answer, if any. No event is applied after it
// returns. Safe to call in any state.
func (s *Session) Cancel() {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	_, err := s.store.Fail(r.turnID, CancelledMessage)
	s.check(err)
	s.endRun(domain.SessionStatusIdle)
	s.unlockAndNotify()

	r.cancel()
	s.logger.Info().Str("turn_id", r.turnID).Msg("answer cancelled")
}

// Wait blocks until no answer is in flight and pending history writes have
// finished, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	for {
		var ch chan struct{}
		s.mu.Lock()
		for done := range s.pending {
			ch = done
			break
		}
		s.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers obs and immediately delivers the current snapshot to
// it. The returned function unsubscribes.
func (s *Session) Subscribe(obs Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	if !s.closed {
		s.observers = append(s.observers, subscriber{id: id, obs: obs})
	}
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	obs(snap)
	s.notifyMu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.observers {
			if sub.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SessionID returns the adopted or configured session id.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Close cancels any in-flight answer and drops all observers.
func (s *Session) Close() {
	s.Cancel()
	s.mu.Lock()
	s.closed = true
	s.observers = nil
	s.mu.Unlock()
}

// endRun clears the in-flight run. Called with mu held.
func (s *Session) endRun(status domain.SessionStatus) {
	s.run = nil
	s.status = status
}

func (s *Session) saveSessionID(id string) {
	if s.ids == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
	defer cancel()
	if err := s.ids.SaveSessionID(ctx, s.cfg.SessionKey, id); err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to persist session id")
	}
}

func (s *Session) check(err error) {
	if err != nil {
		s.logger.Error().Err(err).Msg("conversation store rejected update")
	}
}

func (s *Session) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		SessionID: s.sessionID,
		Status:    s.status,
		Turns:     s.store.Turns(),
		Version:   s.version,
	}
	if s.lastUsage != nil {
		u := *s.lastUsage
		snap.LastUsage = &u
	}
	return snap
}

// unlockAndNotify bumps the version, releases mu and hands the new snapshot
// to every observer. Called with mu held.
func (s *Session) unlockAndNotify() {
	s.version++
	snap := s.snapshotLocked()
	observers := s.observers
	s.notifyMu.Lock()
	s.mu.Unlock()
	for _, sub := range observers {
		sub.obs(snap)
	}
	s.notifyMu.Unlock()
}
