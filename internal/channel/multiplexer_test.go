package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type feedServer struct {
	frames    []string
	hold      bool
	active    int32
	accepted  int32
	closedCh  chan struct{}
	gotCookie atomic.Value
}

func newFeedServer(t *testing.T, frames []string, hold bool) (*feedServer, *httptest.Server) {
	t.Helper()
	fs := &feedServer{frames: frames, hold: hold, closedCh: make(chan struct{}, 16)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.gotCookie.Store(r.Header.Get("Cookie"))
		atomic.AddInt32(&fs.accepted, 1)
		atomic.AddInt32(&fs.active, 1)
		defer func() {
			atomic.AddInt32(&fs.active, -1)
			fs.closedCh <- struct{}{}
		}()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for _, frame := range fs.frames {
			if err := ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		if !fs.hold {
			_ = ws.Close(websocket.StatusNormalClosure, "done")
			return
		}
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return fs, server
}

func nextEvent(t *testing.T, mux *Multiplexer) Event {
	t.Helper()
	select {
	case ev := <-mux.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for channel event")
		return Event{}
	}
}

func TestOpenDeliversLifecycleAndFramesInOrder(t *testing.T) {
	fs, server := newFeedServer(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, false)
	header := http.Header{}
	header.Set("Cookie", "sessionid=abc")
	mux := New(Options{Header: header})
	defer mux.CloseAll()

	if err := mux.Open("fleet:abc", server.URL+"/ws/fleet/abc/"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if ev := nextEvent(t, mux); ev.Kind != EventConnected || ev.Key != "fleet:abc" {
		t.Fatalf("expected connected event, got %+v", ev)
	}
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		ev := nextEvent(t, mux)
		if ev.Kind != EventMessage || string(ev.Payload) != want {
			t.Fatalf("frame %d: expected %s, got %+v", i, want, ev)
		}
		if !mux.Current(ev) {
			t.Fatalf("frame %d: expected event to belong to current connection", i)
		}
	}
	ev := nextEvent(t, mux)
	if ev.Kind != EventDisconnected {
		t.Fatalf("expected disconnected event, got %+v", ev)
	}
	if got := mux.State("fleet:abc"); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
	if got, _ := fs.gotCookie.Load().(string); got != "sessionid=abc" {
		t.Fatalf("expected dial header to be forwarded, got %q", got)
	}
}

func TestOpenSameKeyReplacesConnection(t *testing.T) {
	fs, server := newFeedServer(t, nil, true)
	mux := New(Options{})
	defer mux.CloseAll()

	if err := mux.Open("fleet", server.URL); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	first := nextEvent(t, mux)
	if first.Kind != EventConnected {
		t.Fatalf("expected connected event, got %+v", first)
	}

	if err := mux.Open("fleet", server.URL); err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if mux.Current(first) {
		t.Fatalf("expected events of the replaced connection to be stale")
	}
	select {
	case <-fs.closedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected replaced connection to be closed on the server")
	}
	second := nextEvent(t, mux)
	if second.Kind != EventConnected || !mux.Current(second) {
		t.Fatalf("expected connected event from the new connection, got %+v", second)
	}
	if got := atomic.LoadInt32(&fs.active); got != 1 {
		t.Fatalf("expected exactly one live connection, got %d", got)
	}
	if got := atomic.LoadInt32(&fs.accepted); got != 2 {
		t.Fatalf("expected two accepted connections, got %d", got)
	}
}

func TestCloseRemovesKeyAndIgnoresUnknown(t *testing.T) {
	fs, server := newFeedServer(t, nil, true)
	mux := New(Options{})
	defer mux.CloseAll()

	mux.Close("never-opened")

	if err := mux.Open("notify", server.URL); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	ev := nextEvent(t, mux)
	if ev.Kind != EventConnected {
		t.Fatalf("expected connected event, got %+v", ev)
	}
	mux.Close("notify")
	if got := mux.State("notify"); got != StateIdle {
		t.Fatalf("expected idle after close, got %s", got)
	}
	if mux.Current(ev) {
		t.Fatalf("expected events of a closed key to be stale")
	}
	select {
	case <-fs.closedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected server to observe the close")
	}
	select {
	case ev := <-mux.Events():
		t.Fatalf("expected no events after close, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if len(mux.Keys()) != 0 {
		t.Fatalf("expected registry to be empty, got %v", mux.Keys())
	}
}

func TestDialFailureReportsDisconnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()
	mux := New(Options{})
	defer mux.CloseAll()

	if err := mux.Open("fleet", server.URL); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	ev := nextEvent(t, mux)
	if ev.Kind != EventDisconnected || ev.Err == nil {
		t.Fatalf("expected disconnected event with error, got %+v", ev)
	}
}

func TestOpenAfterCloseAllFails(t *testing.T) {
	mux := New(Options{})
	mux.CloseAll()
	if err := mux.Open("fleet", "ws://127.0.0.1:1/"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://example.com/ws/fleet/x/": "ws://example.com/ws/fleet/x/",
		"https://example.com/ws/user/n/": "wss://example.com/ws/user/n/",
		"wss://example.com/ws/fleet/y/":  "wss://example.com/ws/fleet/y/",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
	if _, err := websocketURL("ftp://example.com"); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestDispatchRoutesByKey(t *testing.T) {
	_, server := newFeedServer(t, []string{`{"hello":1}`}, true)
	mux := New(Options{})
	defer mux.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- Dispatch(ctx, mux, map[string]Handler{
			"fleet": HandlerFunc(func(ev Event) { got <- ev }),
		})
	}()

	if err := mux.Open("fleet", server.URL); err != nil {
		t.Fatalf("open fleet failed: %v", err)
	}
	if err := mux.Open("unrouted", server.URL); err != nil {
		t.Fatalf("open unrouted failed: %v", err)
	}
	for _, want := range []EventKind{EventConnected, EventMessage} {
		select {
		case ev := <-got:
			if ev.Key != "fleet" || ev.Kind != want {
				t.Fatalf("expected %s for fleet, got %+v", want, ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
