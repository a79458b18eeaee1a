package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/stream"
)

// fakeStreamer hands each opened stream's write end to the test.
type fakeStreamer struct {
	mu       sync.Mutex
	requests []domain.ChatRequest
	err      error
	writers  chan *io.PipeWriter
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{writers: make(chan *io.PipeWriter, 4)}
}

func (f *fakeStreamer) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	f.writers <- pw
	return pr, nil
}

func (f *fakeStreamer) next(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-f.writers:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not opened")
		return nil
	}
}

func (f *fakeStreamer) request(i int) domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeHistory struct {
	mu        sync.Mutex
	exchanges []domain.Exchange
	err       error
}

func (f *fakeHistory) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, ex)
	return f.err
}

func (f *fakeHistory) all() []domain.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Exchange(nil), f.exchanges...)
}

type memoryIDs struct {
	mu    sync.Mutex
	ids   map[string]string
	saves int
}

func newMemoryIDs() *memoryIDs { return &memoryIDs{ids: map[string]string{}} }

func (m *memoryIDs) LoadSessionID(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[key], nil
}

func (m *memoryIDs) SaveSessionID(ctx context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[key] = id
	m.saves++
	return nil
}

// recorder collects every snapshot delivered to an observer.
type recorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
	seen  chan domain.Snapshot
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan domain.Snapshot, 256)}
}

func (r *recorder) observe(s domain.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	select {
	case r.seen <- s:
	default:
	}
}

func (r *recorder) all() []domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Snapshot(nil), r.snaps...)
}

// waitFor blocks until a snapshot satisfying cond arrives.
func (r *recorder) waitFor(t *testing.T, cond func(domain.Snapshot) bool) domain.Snapshot {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.seen:
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatal("condition not reached")
			return domain.Snapshot{}
		}
	}
}

func writeEvents(t *testing.T, w io.Writer, events ...stream.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, stream.WriteEvent(w, ev))
	}
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func newTestSession(cfg Config) (*Session, *fakeStreamer, *fakeHistory, *memoryIDs) {
	streamer := newFakeStreamer()
	history := &fakeHistory{}
	ids := newMemoryIDs()
	s := New(cfg, Deps{Streamer: streamer, History: history, IDs: ids})
	return s, streamer, history, ids
}

func TestSubmitStreamsAnswer(t *testing.T) {
	truth := true
	days := 7
	s, streamer, history, ids := newTestSession(Config{
		Model:             "gpt-4o-mini",
		Temperature:       0.3,
		IncludeSystemData: &truth,
		DataSummaryDays:   &days,
		ShopID:            "shop-1",
	})
	defer s.Close()

	turnID, err := s.Submit(context.Background(), "分析最近7天GMV变化")
	require.NoError(t, err)
	require.NotEmpty(t, turnID)
	assert.Equal(t, domain.SessionStatusAwaitingResponse, s.Snapshot().Status)

	pw := streamer.next(t)
	writeEvents(t, pw,
		stream.SessionID{ID: "s1"},
		stream.Content{Text: "根据"},
		stream.Content{Text: "数据..."},
		stream.Usage{Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}},
		stream.Done{Sources: []domain.Source{{Title: "订单报表", URL: "https://example.com/r"}}},
	)
	require.NoError(t, pw.Close())
	waitIdle(t, s)

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionStatusIdle, snap.Status)
	assert.Equal(t, "s1", snap.SessionID)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, domain.RoleUser, snap.Turns[0].Role)
	asst := snap.Turns[1]
	assert.Equal(t, turnID, asst.ID)
	assert.Equal(t, domain.TurnStatusFinalized, asst.Status)
	assert.Equal(t, "根据数据...", asst.Content)
	assert.Equal(t, []domain.Source{{Title: "订单报表", URL: "https://example.com/r"}}, asst.Sources)
	assert.Nil(t, asst.Decision)
	require.NotNil(t, snap.LastUsage)
	assert.Equal(t, 14, snap.LastUsage.TotalTokens)

	req := streamer.request(0)
	assert.Equal(t, []domain.ChatMessage{{Role: domain.RoleUser, Content: "分析最近7天GMV变化"}}, req.Messages)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 0.3, req.Temperature)
	assert.Empty(t, req.SessionID)
	assert.Equal(t, &truth, req.IncludeSystemData)
	assert.Equal(t, &days, req.DataSummaryDays)
	assert.Equal(t, "shop-1", req.ShopID)

	exchanges := history.all()
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, "s1", ex.SessionID)
	assert.Equal(t, "分析最近7天GMV变化", ex.User.Content)
	assert.Equal(t, "根据数据...", ex.Assistant.Content)
	assert.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "分析最近7天GMV变化"},
		{Role: domain.RoleAssistant, Content: "根据数据..."},
	}, ex.History)
	require.NotNil(t, ex.Usage)
	assert.Equal(t, 14, ex.Usage.TotalTokens)

	loaded, err := ids.LoadSessionID(context.Background(), DefaultSessionKey)
	require.NoError(t, err)
	assert.Equal(t, "s1", loaded)
}

func TestBackendErrorFailsTurn(t *testing.T) {
	s, streamer, history, _ := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "分析最近7天GMV变化")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Content{Text: "部分"}, stream.Error{Message: "AI服务调用失败"})
	require.NoError(t, pw.Close())
	waitIdle(t, s)

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionStatusIdle, snap.Status)
	asst := snap.Turns[1]
	assert.Equal(t, domain.TurnStatusFailed, asst.Status)
	assert.Equal(t, "❌ 抱歉，发生了错误：AI服务调用失败", asst.Content)
	assert.Empty(t, history.all())
}

func TestBlankBackendErrorUsesGenericMessage(t *testing.T) {
	s, streamer, _, _ := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "hi")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Error{Message: "  "})
	require.NoError(t, pw.Close())
	waitIdle(t, s)

	asst := s.Snapshot().Turns[1]
	assert.Equal(t, domain.TurnStatusFailed, asst.Status)
	assert.Equal(t, UnknownErrorMessage, asst.Content)
}

func TestDoneExtractsDecision(t *testing.T) {
	s, streamer, history, _ := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "要不要调价？")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw,
		stream.Content{Text: "风险较高，建议观望。\n```js"},
		stream.Content{Text: "on\n{\"riskLevel\":\"high\",\"actions\":[]}\n```\n"},
		stream.Done{},
	)
	require.NoError(t, pw.Close())
	waitIdle(t, s)

	asst := s.Snapshot().Turns[1]
	require.NotNil(t, asst.Decision)
	assert.Equal(t, domain.RiskHigh, asst.Decision.RiskLevel)
	assert.Empty(t, asst.Decision.Actions)

	exchanges := history.all()
	require.Len(t, exchanges, 1)
	require.NotNil(t, exchanges[0].Assistant.Decision)
}

func TestCancelStopsApplyingEvents(t *testing.T) {
	s, streamer, _, _ := newTestSession(Config{})
	defer s.Close()
	rec := newRecorder()
	defer s.Subscribe(rec.observe)()

	turnID, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Content{Text: "partial"})
	rec.waitFor(t, func(snap domain.Snapshot) bool {
		turn, ok := snap.Turn(turnID)
		return ok && turn.Content == "partial"
	})

	s.Cancel()

	// Late bytes may still be read before the body closes; they must not apply.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		_ = stream.WriteEvent(pw, stream.Content{Text: " more"})
		_ = stream.WriteEvent(pw, stream.Done{})
	}()
	waitIdle(t, s)
	select {
	case <-writeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("body was not closed after cancel")
	}

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionStatusIdle, snap.Status)
	turn, ok := snap.Turn(turnID)
	require.True(t, ok)
	assert.Equal(t, domain.TurnStatusFailed, turn.Status)
	assert.Equal(t, CancelledMessage, turn.Content)

	// idempotent, and safe when idle
	s.Cancel()
	s.Cancel()
	assert.Equal(t, snap.Version, s.Snapshot().Version)
}

func TestUnexpectedEndFailsTurn(t *testing.T) {
	s, streamer, _, _ := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Content{Text: "half an ans"})
	require.NoError(t, pw.Close())
	waitIdle(t, s)

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionStatusIdle, snap.Status)
	assert.Equal(t, domain.TurnStatusFailed, snap.Turns[1].Status)
	assert.Equal(t, UnexpectedEndMessage, snap.Turns[1].Content)
}

func TestTransportFailurePassesThroughErrorStatus(t *testing.T) {
	t.Run("open fails", func(t *testing.T) {
		s, streamer, _, _ := newTestSession(Config{})
		defer s.Close()
		streamer.err = errors.New("dial tcp: connection refused")
		rec := newRecorder()
		defer s.Subscribe(rec.observe)()

		_, err := s.Submit(context.Background(), "hello")
		require.NoError(t, err)
		waitIdle(t, s)
		rec.waitFor(t, func(snap domain.Snapshot) bool { return snap.Status == domain.SessionStatusIdle && len(snap.Turns) == 2 && snap.Turns[1].Status == domain.TurnStatusFailed })

		var statuses []domain.SessionStatus
		for _, snap := range rec.all() {
			if len(statuses) == 0 || statuses[len(statuses)-1] != snap.Status {
				statuses = append(statuses, snap.Status)
			}
		}
		assert.Equal(t, []domain.SessionStatus{
			domain.SessionStatusIdle,
			domain.SessionStatusAwaitingResponse,
			domain.SessionStatusError,
			domain.SessionStatusIdle,
		}, statuses)
		assert.Equal(t, TransportFailureMessage, s.Snapshot().Turns[1].Content)
	})

	t.Run("read fails", func(t *testing.T) {
		s, streamer, _, _ := newTestSession(Config{})
		defer s.Close()

		_, err := s.Submit(context.Background(), "hello")
		require.NoError(t, err)
		pw := streamer.next(t)
		writeEvents(t, pw, stream.Content{Text: "x"})
		pw.CloseWithError(errors.New("connection reset"))
		waitIdle(t, s)

		snap := s.Snapshot()
		assert.Equal(t, domain.SessionStatusIdle, snap.Status)
		assert.Equal(t, TransportFailureMessage, snap.Turns[1].Content)

		// retryable
		_, err = s.Submit(context.Background(), "hello again")
		assert.NoError(t, err)
		s.Cancel()
	})
}

func TestSubmitValidation(t *testing.T) {
	s, streamer, _, _ := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = s.Submit(context.Background(), "first")
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrInvalidState)

	pw := streamer.next(t)
	writeEvents(t, pw, stream.Done{})
	waitIdle(t, s)

	_, err = s.Submit(context.Background(), "second")
	assert.NoError(t, err)
	s.Close()

	_, err = s.Submit(context.Background(), "third")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionIDFirstWriteWins(t *testing.T) {
	s, streamer, _, ids := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw,
		stream.SessionID{ID: "s1"},
		stream.Content{Text: "a"},
		stream.SessionID{ID: "s2"},
		stream.Done{},
	)
	waitIdle(t, s)

	assert.Equal(t, "s1", s.SessionID())
	ids.mu.Lock()
	assert.Equal(t, 1, ids.saves)
	ids.mu.Unlock()

	_, err = s.Submit(context.Background(), "follow up")
	require.NoError(t, err)
	pw = streamer.next(t)
	writeEvents(t, pw, stream.SessionID{ID: "s3"}, stream.Content{Text: "b"}, stream.Done{})
	waitIdle(t, s)

	req := streamer.request(1)
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "a"},
		{Role: domain.RoleUser, Content: "follow up"},
	}, req.Messages)
	assert.Equal(t, "s1", s.SessionID())
}

func TestInitRestoresPersistedSessionID(t *testing.T) {
	ids := newMemoryIDs()
	require.NoError(t, ids.SaveSessionID(context.Background(), "custom_key", "s-restored"))

	streamer := newFakeStreamer()
	s := New(Config{SessionKey: "custom_key"}, Deps{Streamer: streamer, IDs: ids})
	defer s.Close()
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, "s-restored", s.Snapshot().SessionID)

	_, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.SessionID{ID: "other"}, stream.Done{})
	waitIdle(t, s)

	assert.Equal(t, "s-restored", streamer.request(0).SessionID)
	assert.Equal(t, "s-restored", s.SessionID())

	preset := New(Config{SessionID: "preset", SessionKey: "custom_key"}, Deps{Streamer: streamer, IDs: ids})
	require.NoError(t, preset.Init(context.Background()))
	assert.Equal(t, "preset", preset.SessionID())
}

func TestObserversSeeConsistentSnapshots(t *testing.T) {
	s, streamer, _, _ := newTestSession(Config{})
	defer s.Close()
	rec := newRecorder()
	unsubscribe := s.Subscribe(rec.observe)

	chunks := strings.Split("根据近七天的数据，GMV整体呈上升趋势。", "")
	_, err := s.Submit(context.Background(), "GMV怎么样")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Thinking{Text: "看看数据"}, stream.ThinkingEnd{})
	for _, c := range chunks {
		writeEvents(t, pw, stream.Content{Text: c})
	}
	writeEvents(t, pw, stream.Done{})
	waitIdle(t, s)
	unsubscribe()

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	var lastVersion uint64
	lastLen := -1
	for i, snap := range snaps {
		if i > 0 {
			assert.Greater(t, snap.Version, lastVersion)
		}
		lastVersion = snap.Version

		streaming := 0
		for _, turn := range snap.Turns {
			if turn.Status == domain.TurnStatusStreaming {
				streaming++
			}
		}
		assert.LessOrEqual(t, streaming, 1)

		if len(snap.Turns) == 2 {
			n := len(snap.Turns[1].Content)
			assert.GreaterOrEqual(t, n, lastLen)
			lastLen = n
		}
	}

	final := snaps[len(snaps)-1]
	assert.Equal(t, domain.SessionStatusIdle, final.Status)
	assert.Equal(t, "根据近七天的数据，GMV整体呈上升趋势。", final.Turns[1].Content)
	assert.Equal(t, "看看数据", final.Turns[1].Thinking)
	assert.True(t, final.Turns[1].ThinkingDone)

	// nothing delivered after unsubscribe
	count := len(rec.all())
	_, err = s.Submit(context.Background(), "again")
	require.NoError(t, err)
	s.Cancel()
	assert.Len(t, rec.all(), count)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s, streamer, _, _ := newTestSession(Config{})
	defer s.Close()

	_, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Content{Text: "abc"}, stream.Done{})
	waitIdle(t, s)

	snap := s.Snapshot()
	snap.Turns[1].Content = "mutated"
	assert.Equal(t, "abc", s.Snapshot().Turns[1].Content)
}

func TestHistoryFailureIsOnlyLogged(t *testing.T) {
	s, streamer, history, _ := newTestSession(Config{})
	defer s.Close()
	history.err = errors.New("backend down")

	_, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	pw := streamer.next(t)
	writeEvents(t, pw, stream.Content{Text: "ok"}, stream.Done{})
	waitIdle(t, s)

	assert.Len(t, history.all(), 1)
	snap := s.Snapshot()
	assert.Equal(t, domain.SessionStatusIdle, snap.Status)
	assert.Equal(t, domain.TurnStatusFinalized, snap.Turns[1].Status)
}
