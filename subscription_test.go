package peersync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *changeLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *changeLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func TestSubscribe_GlobalHandlerSeesEveryDocument(t *testing.T) {
	e := newTestEngine(t, nil)
	var log changeLog
	unsubscribe := e.Subscribe(func(docID string, doc *automerge.Doc) {
		v, _ := automerge.As[string](doc.RootMap().Get("k"))
		log.add(docID + "=" + v)
	})
	defer unsubscribe()

	require.NoError(t, e.Select("one")(setField("k", "1")))
	require.NoError(t, e.Select("two")(setField("k", "2")))
	require.NoError(t, e.Select("one")(setField("k", "3")))

	require.Eventually(t, func() bool { return len(log.list()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"one=1", "two=2", "one=3"}, log.list(), "delivered in change order")
}

func TestSubscribeDoc_FiltersByID(t *testing.T) {
	e := newTestEngine(t, nil)
	var log changeLog
	unsubscribe := e.SubscribeDoc("wanted", func(doc *automerge.Doc) {
		v, _ := automerge.As[string](doc.RootMap().Get("k"))
		log.add(v)
	})
	defer unsubscribe()

	require.NoError(t, e.Select("other")(setField("k", "x")))
	require.NoError(t, e.Select("wanted")(setField("k", "y")))

	require.Eventually(t, func() bool { return len(log.list()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"y"}, log.list())
}

func TestSubscribe_UnsubscribeStopsCallbacks(t *testing.T) {
	e := newTestEngine(t, nil)
	var log changeLog
	unsubscribe := e.Subscribe(func(docID string, _ *automerge.Doc) { log.add(docID) })

	require.NoError(t, e.Select("before")(setField("k", "v")))
	require.Eventually(t, func() bool { return len(log.list()) == 1 }, waitFor, tick)

	unsubscribe()
	unsubscribe()

	require.NoError(t, e.Select("after")(setField("k", "v")))
	// A later subscriber proves the change has been dispatched.
	done := make(chan struct{})
	stop := e.SubscribeDoc("marker", func(*automerge.Doc) { close(done) })
	defer stop()
	require.NoError(t, e.Select("marker")(setField("k", "v")))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("marker not delivered")
	}
	assert.Equal(t, []string{"before"}, log.list())
}

func TestSubscribe_UnsubscribeWaitsForRunningCallback(t *testing.T) {
	e := newTestEngine(t, nil)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	unsubscribe := e.Subscribe(func(string, *automerge.Doc) {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	require.NoError(t, e.Select("doc")(setField("k", "1")))
	<-started
	require.NoError(t, e.Select("doc")(setField("k", "2")))

	returned := make(chan struct{})
	go func() {
		unsubscribe()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("unsubscribe returned while the callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("unsubscribe never returned")
	}
	n := calls.Load()

	done := make(chan struct{})
	defer e.SubscribeDoc("marker", func(*automerge.Doc) { close(done) })()
	require.NoError(t, e.Select("marker")(setField("k", "v")))
	<-done
	assert.Equal(t, n, calls.Load(), "no callback after unsubscribe returned")
	assert.Equal(t, int32(1), n, "the queued change was dropped")
}

func TestSubscribe_HandlerReceivesFork(t *testing.T) {
	e := newTestEngine(t, nil)
	got := make(chan *automerge.Doc, 1)
	defer e.SubscribeDoc("doc", func(doc *automerge.Doc) { got <- doc })()

	require.NoError(t, e.Select("doc")(setField("v", "engine")))
	doc := <-got
	require.NoError(t, doc.RootMap().Set("v", "subscriber"))
	_, err := doc.Commit("local")
	require.NoError(t, err)

	assert.Equal(t, "engine", fieldOf(e, "doc", "v"))
}

func TestSubscribe_HandlerMayCallEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	results := make(chan string, 1)

	var unsubscribe func()
	unsubscribe = e.SubscribeDoc("doc", func(*automerge.Doc) {
		results <- fieldOf(e, "doc", "k")
		_, _ = e.Connect(context.Background(), "x", WithConn(newFakeConn("x")))
		unsubscribe()
	})

	require.NoError(t, e.Select("doc")(setField("k", "v")))
	select {
	case v := <-results:
		assert.Equal(t, "v", v)
	case <-time.After(waitFor):
		t.Fatal("handler deadlocked or never ran")
	}
	require.Eventually(t, func() bool { return e.HasSession("x") }, waitFor, tick)
}

func TestSubscribe_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	e := newTestEngine(t, nil)
	defer e.SubscribeDoc("doc", func(*automerge.Doc) { panic("boom") })()
	var log changeLog
	defer e.SubscribeDoc("doc", func(*automerge.Doc) { log.add("ok") })()

	require.NoError(t, e.Select("doc")(setField("k", "1")))
	require.NoError(t, e.Select("doc")(setField("k", "2")))
	require.Eventually(t, func() bool { return len(log.list()) == 2 }, waitFor, tick)
}

func TestSubscribe_NilHandlers(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.NotPanics(t, func() {
		e.Subscribe(nil)()
		e.SubscribeDoc("doc", nil)()
		e.SubscribeDoc("", func(*automerge.Doc) {})()
	})
}
