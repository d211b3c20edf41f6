package toybox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// fakeConn is a channel-backed wsConn. Frames pushed to in are returned
// from Read; frames the client writes land on writes.
type fakeConn struct {
	in        chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case f.writes <- data:
		return nil
	case <-f.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) deliver(frames ...[]byte) {
	for _, frame := range frames {
		select {
		case f.in <- frame:
		case <-f.closed:
			return
		}
	}
}

// testServer hands out fakeConns with an attached protocol goroutine
// that answers connect and routes method and sub sends to the
// configured handlers. Handlers return the frames to deliver back.
type testServer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn

	// onMethod handles a method send. Nil drops the call (the client
	// times out).
	onMethod func(method, id string, params gjson.Result) [][]byte

	// onSub handles a sub send. Nil acknowledges readiness immediately.
	onSub func(name, id string, params gjson.Result) [][]byte
}

func (ts *testServer) dial(ctx context.Context, endpoint string) (wsConn, error) {
	conn := newFakeConn()

	ts.mu.Lock()
	ts.dials++
	ts.conns = append(ts.conns, conn)
	ts.mu.Unlock()

	go ts.serve(conn)

	return conn, nil
}

func (ts *testServer) dialCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.dials
}

func (ts *testServer) lastConn() *fakeConn {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) serve(conn *fakeConn) {
	for {
		select {
		case frame := <-conn.writes:
			id := gjson.GetBytes(frame, "id").Str

			switch gjson.GetBytes(frame, "msg").Str {
			case "connect":
				conn.deliver([]byte(`{"msg":"connected","session":"session-1"}`))

			case "ping":
				conn.deliver([]byte(`{"msg":"pong"}`))

			case "method":
				if ts.onMethod == nil {
					continue
				}

				method := gjson.GetBytes(frame, "method").Str
				params := gjson.GetBytes(frame, "params")
				conn.deliver(ts.onMethod(method, id, params)...)

			case "sub":
				if ts.onSub == nil {
					conn.deliver(readyFrame(id))
					continue
				}

				name := gjson.GetBytes(frame, "name").Str
				params := gjson.GetBytes(frame, "params")
				conn.deliver(ts.onSub(name, id, params)...)
			}

		case <-conn.closed:
			return
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a client wired to ts with short timeouts.
func newTestClient(t *testing.T, ts *testServer) *Client {
	t.Helper()

	c := NewClient("wss://toybox.test/websocket", testLogger())
	c.dial = ts.dial
	c.timeout = 250 * time.Millisecond
	c.handshakeWait = time.Second

	t.Cleanup(func() { c.Close() })

	return c
}

// connectTestClient builds a client and completes the handshake.
func connectTestClient(t *testing.T, ts *testServer) *Client {
	t.Helper()

	c := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

func resultFrame(id, result string) []byte {
	return fmt.Appendf(nil, `{"msg":"result","id":%q,"result":%s}`, id, result)
}

func errorFrame(id, reason string) []byte {
	return fmt.Appendf(nil, `{"msg":"result","id":%q,"error":{"error":403,"reason":%q,"message":"%s [403]","errorType":"Meteor.Error"}}`, id, reason, reason)
}

func readyFrame(ids ...string) []byte {
	subs := ""
	for i, id := range ids {
		if i > 0 {
			subs += ","
		}

		subs += fmt.Sprintf("%q", id)
	}

	return fmt.Appendf(nil, `{"msg":"ready","subs":[%s]}`, subs)
}

func addedFrame(collection, id, fields string) []byte {
	return fmt.Appendf(nil, `{"msg":"added","collection":%q,"id":%q,"fields":%s}`, collection, id, fields)
}

func changedFrame(collection, id, fields, cleared string) []byte {
	return fmt.Appendf(nil, `{"msg":"changed","collection":%q,"id":%q,"fields":%s,"cleared":%s}`, collection, id, fields, cleared)
}

func removedFrame(collection, id string) []byte {
	return fmt.Appendf(nil, `{"msg":"removed","collection":%q,"id":%q}`, collection, id)
}

func loginResult(id string) []byte {
	return resultFrame(id, `{"token":"token-1","id":"user-1","tokenExpires":{"$date":1924905600000}}`)
}
