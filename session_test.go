package peersync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/peersync/codec"
	"github.com/c0deZ3R0/peersync/docset"
)

func TestSession_TeardownRunsOnceUnderRepeatedEvents(t *testing.T) {
	metrics := newMockMetrics()
	e := newTestEngine(t, nil, WithMetrics(metrics))
	fc := newFakeConn("x")
	_, err := e.Connect(context.Background(), "x", WithConn(fc))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); fc.fireClose() }()
		go func() { defer wg.Done(); fc.fireError(errors.New("reset")) }()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !e.HasSession("x") }, waitFor, tick)
	// Flush the loop so every queued event has been handled.
	_, _ = e.Get("flush")
	assert.Equal(t, 1, metrics.closedCount())
	assert.Equal(t, 1, fc.closed())
}

func TestSession_StaleCloseKeepsNewSession(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	old := newFakeConn("x")
	_, err := e.Connect(ctx, "x", WithConn(old))
	require.NoError(t, err)
	old.fireClose()
	require.Eventually(t, func() bool { return !e.HasSession("x") }, waitFor, tick)

	fresh := newFakeConn("x")
	got, err := e.Connect(ctx, "x", WithConn(fresh))
	require.NoError(t, err)
	require.Same(t, fresh, got)

	old.fireClose()
	old.fireError(errors.New("late"))
	_, _ = e.Get("flush")
	assert.True(t, e.HasSession("x"), "late events of a closed session do not remove its successor")
	assert.Zero(t, fresh.closed())
}

func TestSession_UndecodableDataKeepsSessionOpen(t *testing.T) {
	metrics := newMockMetrics()
	e := newTestEngine(t, nil, WithMetrics(metrics))
	fc := newFakeConn("x")
	_, err := e.Connect(context.Background(), "x", WithConn(fc))
	require.NoError(t, err)

	fc.fireData([]byte("not json"))
	fc.fireData([]byte(`{"docId":"","payload":"AAAA"}`))
	_, _ = e.Get("flush")

	assert.True(t, e.HasSession("x"))
	assert.Equal(t, 1, metrics.errorCount("decode/codec_failure"))
	assert.Equal(t, 1, metrics.errorCount("receive/sync_failure"))
}

func TestSession_InboundMessageIsAppliedAndAnswered(t *testing.T) {
	e := newTestEngine(t, nil)
	fc := newFakeConn("x")
	_, err := e.Connect(context.Background(), "x", WithConn(fc))
	require.NoError(t, err)

	src := automerge.New()
	require.NoError(t, src.RootMap().Set("k", "v"))
	_, err = src.Commit("init")
	require.NoError(t, err)

	syncOver(t, e, fc, "doc", src)
	assert.Equal(t, "v", fieldOf(e, "doc", "k"))
	assert.Positive(t, fc.sentCount(), "the engine replies to the sender")
}

func TestSession_ClosingSessionClosesExtraConnections(t *testing.T) {
	e := newTestEngine(t, nil)
	fc := newFakeConn("x")
	_, err := e.Connect(context.Background(), "x", WithConn(fc))
	require.NoError(t, err)

	extra := newFakeConn("x")
	_ = e.do(context.Background(), func() { e.attach(e.sessionFor("x"), extra) })

	fc.fireClose()
	require.Eventually(t, func() bool { return !e.HasSession("x") }, waitFor, tick)
	assert.Equal(t, 1, extra.closed())
}

func TestSession_LocalChangesAreSent(t *testing.T) {
	metrics := newMockMetrics()
	e := newTestEngine(t, nil, WithMetrics(metrics))
	fc := newFakeConn("x")
	_, err := e.Connect(context.Background(), "x", WithConn(fc))
	require.NoError(t, err)
	require.Zero(t, fc.sentCount(), "nothing to offer yet")

	require.NoError(t, e.Select("doc")(setField("k", "v")))
	require.Equal(t, 1, fc.sentCount())

	var out docset.Message
	fc.mu.Lock()
	require.NoError(t, codec.JSON{}.Unmarshal(fc.sent[0], &out))
	fc.mu.Unlock()
	assert.Equal(t, "doc", out.DocID)
	assert.NotEmpty(t, out.Payload)

	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.MessagesOut)
	metrics.mu.Unlock()
}
