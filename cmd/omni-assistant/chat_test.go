package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanky2viva/omni-assistant/internal/adapter/assistantapi"
	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/session"
	"github.com/vanky2viva/omni-assistant/internal/testutil"
)

func TestChatLoopAnswersAndSuggests(t *testing.T) {
	backend := &assistantapi.MockClient{}
	db := testutil.NewTestSQLiteStore(t)
	sess := session.New(session.Config{Name: "cli", HistoryTimeout: time.Second},
		session.Deps{Streamer: backend, History: backend, IDs: db})
	defer sess.Close()

	in := strings.NewReader("分析最近7天GMV变化\n\n/suggest\n/quit\n")
	var out bytes.Buffer
	require.NoError(t, chatLoop(context.Background(), sess, in, &out, make(chan os.Signal)))

	text := out.String()
	assert.Contains(t, text, "[MOCK] 收到你的问题")
	assert.Contains(t, text, "[decision] risk=low actions=1")
	assert.Contains(t, text, "[source] [MOCK] 销售日报")
	assert.Contains(t, text, "1. 按品类拆分销售额")
	assert.True(t, strings.HasSuffix(text, "Bye!\n"))

	require.Len(t, backend.Exchanges(), 1)
	stored, err := db.LoadSessionID(context.Background(), session.DefaultSessionKey)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID(), stored)
}

func TestChatLoopInterruptCancelsAnswer(t *testing.T) {
	backend := &assistantapi.MockClient{Delay: 100 * time.Millisecond}
	sess := session.New(session.Config{Name: "cli"}, session.Deps{Streamer: backend})
	defer sess.Close()

	pr, pw := io.Pipe()
	interrupts := make(chan os.Signal, 1)
	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() { errc <- chatLoop(context.Background(), sess, pr, &out, interrupts) }()

	_, err := pw.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sess.Snapshot().Status != domain.SessionStatusIdle
	}, time.Second, 5*time.Millisecond)

	interrupts <- os.Interrupt
	require.Eventually(t, func() bool {
		return sess.Snapshot().Status == domain.SessionStatusIdle
	}, time.Second, 5*time.Millisecond)

	// A second interrupt while idle ends the loop.
	interrupts <- os.Interrupt
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("chat loop did not exit")
	}
	pw.Close()

	turn, _ := sess.Snapshot().Turn(lastTurnID(sess))
	assert.Equal(t, session.CancelledMessage, turn.Content)
	assert.Contains(t, out.String(), session.CancelledMessage)
}

func lastTurnID(sess *session.Session) string {
	turns := sess.Snapshot().Turns
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].ID
}

func TestOpenStoresRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{DatabaseURL: ":memory:", SessionStore: "etcd"}
	_, err := openStores(context.Background(), cfg)
	assert.Error(t, err)

	cfg.SessionStore = config.SessionStoreSQLite
	st, err := openStores(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()
	assert.Same(t, st.archive, st.ids)
}
