package toybox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// DefaultEndpoint is the production DDP endpoint.
	DefaultEndpoint = "wss://www.make.toys/websocket"

	// protocolVersion is the only DDP version this client speaks.
	protocolVersion = "1"

	// handshakeTimeout bounds the wait for the server's connected
	// message after sending connect.
	handshakeTimeout = 5 * time.Second

	// responseTimeout bounds method results and subscription readiness.
	responseTimeout = 30 * time.Second

	// inboundChanSize buffers the reader goroutine ahead of the
	// dispatcher during bulk initial collection syncs.
	inboundChanSize = 64
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// callResult resolves a pending method call or subscription wait.
type callResult struct {
	result json.RawMessage
	err    error
}

// Client is a DDP client for the ToyBox platform.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single dispatcher goroutine processes them, owning all
// mutations of the collection store and resolution of pending calls.
// Callers write directly to the connection (method and sub sends) under
// writeMu; the dispatcher also writes pong replies, so a write mutex
// serializes the socket instead of a single-writer loop.
type Client struct {
	logger   *slog.Logger
	endpoint string

	// dial produces the connection. Tests inject a fake.
	dial dialFunc

	conn    wsConn
	writeMu sync.Mutex

	state atomic.Int32

	// connectedCh is closed by the dispatcher when the server confirms
	// the session. Recreated per connection attempt.
	connectedCh chan struct{}
	connectedMu sync.Mutex

	// msgID issues method and subscription ids. Monotonic for the
	// lifetime of the client; never reset across reconnects so a late
	// result from a dead connection can never match a new call.
	msgID atomic.Int64

	// pending maps an outstanding method or subscription id to the
	// channel its caller waits on. Buffered (cap 1) so the dispatcher
	// never blocks resolving a call whose caller already timed out.
	pending   map[string]chan callResult
	pendingMu sync.Mutex

	// collections mirrors the server's published documents:
	// collection name -> document id -> fields.
	collections   map[string]map[string]map[string]any
	collectionsMu sync.RWMutex

	// Session credentials and token, set by Authenticate/Resume and
	// consumed by the reconnection supervisor.
	email     string
	password  string
	token     string
	userID    string
	sessionMu sync.Mutex

	// printerIDs and subscribed track bootstrap progress.
	printerIDs []string
	subscribed bool
	subMu      sync.Mutex

	// reconnectMu serializes recovery so concurrent callers that find
	// the session down trigger a single reconnect attempt.
	reconnectMu sync.Mutex

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}

	// timeout for method results and readiness waits. Shortened in tests.
	timeout time.Duration

	// handshakeWait bounds the connected-message wait. Shortened in tests.
	handshakeWait time.Duration
}

// NewClient creates a client for the given DDP endpoint.
func NewClient(endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Client{
		logger:        logger,
		endpoint:      endpoint,
		dial:          dialWebsocket,
		collections:   make(map[string]map[string]map[string]any),
		pending:       make(map[string]chan callResult),
		timeout:       responseTimeout,
		handshakeWait: handshakeTimeout,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Connected reports whether the session handshake has completed.
func (c *Client) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateAuthenticated
}

// Connect dials the endpoint, starts the dispatcher, and waits for the
// server to confirm the DDP session.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	c.setState(StateConnecting)

	conn, err := c.dial(ctx, c.endpoint)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connecting to %s: %w", c.endpoint, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.connectedMu.Lock()
	c.connectedCh = make(chan struct{})
	connectedCh := c.connectedCh
	c.connectedMu.Unlock()

	// The dispatcher outlives the dial context: it runs until teardown
	// or a read error, not until the caller's deadline.
	dispatchCtx, cancel := context.WithCancel(context.Background())
	c.dispatchCancel = cancel
	c.dispatchDone = make(chan struct{})

	go c.dispatchLoop(dispatchCtx, conn, c.dispatchDone)

	connect := connectMessage{
		Msg:     "connect",
		Version: protocolVersion,
		Support: []string{protocolVersion},
	}
	if err := c.writeJSON(ctx, connect); err != nil {
		c.teardown()
		return fmt.Errorf("sending connect: %w", err)
	}

	timer := time.NewTimer(c.handshakeWait)
	defer timer.Stop()

	select {
	case <-connectedCh:
		c.logger.Info("session established", slog.String("endpoint", c.endpoint))
		return nil
	case <-timer.C:
		c.teardown()
		return fmt.Errorf("session handshake: %w", errResponseTimeout)
	case <-ctx.Done():
		c.teardown()
		return ctx.Err()
	}
}

// Close tears down the connection and releases the dispatcher.
func (c *Client) Close() error {
	c.teardown()
	return nil
}

// teardown stops the dispatcher, closes the socket, and fails all
// pending calls. Safe to call when already disconnected.
func (c *Client) teardown() {
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		c.dispatchCancel = nil
	}

	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}

	if c.dispatchDone != nil {
		<-c.dispatchDone
		c.dispatchDone = nil
	}

	c.failPending(ErrNotConnected)
	c.setState(StateDisconnected)
}

// failPending resolves every outstanding call with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
}

// dispatchLoop reads frames until the connection dies or ctx is
// cancelled. It is the only goroutine that mutates the collection store
// or resolves pending calls from the wire.
func (c *Client) dispatchLoop(ctx context.Context, conn wsConn, done chan struct{}) {
	defer close(done)

	inboundCh := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case inboundCh <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-inboundCh:
			if msg.err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("connection lost", slog.String("error", msg.err.Error()))
					c.setState(StateDisconnected)
					c.failPending(fmt.Errorf("connection lost: %w", msg.err))
				}

				return
			}

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleMessage(ctx, msg.data)

		case <-ctx.Done():
			return
		}
	}
}

// handleMessage routes a single inbound frame by its msg field. Frames
// with no msg field or an unknown kind are dropped at debug level; the
// server sends a few non-DDP frames (server_id) on connect.
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	kind := gjson.GetBytes(data, "msg")
	if !kind.Exists() {
		c.logger.Debug("frame without msg field", slog.Int("bytes", len(data)))
		return
	}

	switch kind.Str {
	case "ping":
		c.handlePing(ctx, data)

	case "added":
		var msg addedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable added message", slog.String("error", err.Error()))
			return
		}

		c.applyAdded(msg)

	case "changed":
		var msg changedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable changed message", slog.String("error", err.Error()))
			return
		}

		c.applyChanged(msg)

	case "removed":
		var msg removedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable removed message", slog.String("error", err.Error()))
			return
		}

		c.applyRemoved(msg)

	case "result":
		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable result message", slog.String("error", err.Error()))
			return
		}

		c.resolveResult(msg)

	case "ready":
		var msg readyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable ready message", slog.String("error", err.Error()))
			return
		}

		c.resolveReady(msg)

	case "connected":
		c.signalConnected()

	case "failed":
		c.logger.Warn("server rejected protocol version",
			slog.String("server_version", gjson.GetBytes(data, "version").Str))

	case "pong", "updated", "nosub":
		// Acknowledgements with nothing to do.

	default:
		c.logger.Debug("unhandled message", slog.String("msg", kind.Str))
	}
}

func (c *Client) handlePing(ctx context.Context, data []byte) {
	pong := pongMessage{Msg: "pong", ID: gjson.GetBytes(data, "id").Str}
	if err := c.writeJSON(ctx, pong); err != nil {
		c.logger.Warn("sending pong", slog.String("error", err.Error()))
	}
}

// applyAdded stores the full document. A redelivery of a known id
// replaces the document wholesale, so it is idempotent.
func (c *Client) applyAdded(msg addedMessage) {
	fields := msg.Fields
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["_id"] = msg.ID

	c.collectionsMu.Lock()
	defer c.collectionsMu.Unlock()

	coll, ok := c.collections[msg.Collection]
	if !ok {
		coll = make(map[string]map[string]any)
		c.collections[msg.Collection] = coll
	}

	coll[msg.ID] = fields
}

// applyChanged merges fields over the stored document and removes
// cleared fields. Changes to unknown documents are dropped.
func (c *Client) applyChanged(msg changedMessage) {
	c.collectionsMu.Lock()
	defer c.collectionsMu.Unlock()

	coll, ok := c.collections[msg.Collection]
	if !ok {
		return
	}

	doc, ok := coll[msg.ID]
	if !ok {
		return
	}

	for k, v := range msg.Fields {
		doc[k] = v
	}

	for _, k := range msg.Cleared {
		delete(doc, k)
	}
}

func (c *Client) applyRemoved(msg removedMessage) {
	c.collectionsMu.Lock()
	defer c.collectionsMu.Unlock()

	if coll, ok := c.collections[msg.Collection]; ok {
		delete(coll, msg.ID)
	}
}

// resolveResult completes the pending call for the result's id. Results
// with no pending entry (late arrivals after a timeout, duplicates) are
// dropped.
func (c *Client) resolveResult(msg resultMessage) {
	ch := c.popPending(msg.ID)
	if ch == nil {
		c.logger.Debug("result for unknown call", slog.String("id", msg.ID))
		return
	}

	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		ch <- callResult{err: newRemoteError(msg.Error)}
		return
	}

	ch <- callResult{result: msg.Result}
}

// resolveReady completes the pending waits for each acknowledged
// subscription. Unknown ids are a no-op: fire-and-forget subscriptions
// never register a pending entry.
func (c *Client) resolveReady(msg readyMessage) {
	for _, id := range msg.Subs {
		if ch := c.popPending(id); ch != nil {
			ch <- callResult{}
		}
	}
}

// signalConnected moves Connecting to Connected and releases the
// handshake wait. A connected message in any other state is ignored.
func (c *Client) signalConnected() {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.logger.Debug("connected message outside handshake",
			slog.String("state", c.State().String()))

		return
	}

	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()

	if c.connectedCh != nil {
		close(c.connectedCh)
	}
}

// nextID issues a wire message id. Monotonic across reconnects.
func (c *Client) nextID() string {
	return strconv.FormatInt(c.msgID.Add(1), 10)
}

func (c *Client) registerPending(id string) chan callResult {
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	return ch
}

// popPending removes and returns the channel for id, or nil.
func (c *Client) popPending(id string) chan callResult {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	ch, ok := c.pending[id]
	if !ok {
		return nil
	}

	delete(c.pending, id)

	return ch
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.conn
	if conn == nil {
		return ErrNotConnected
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// Call invokes a server method and waits for its result.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	if params == nil {
		params = []any{}
	}

	id := c.nextID()
	ch := c.registerPending(id)

	msg := methodMessage{Msg: "method", Method: method, Params: params, ID: id}
	if err := c.writeJSON(ctx, msg); err != nil {
		c.popPending(id)
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("calling %s: %w", method, res.err)
		}

		return res.result, nil

	case <-timer.C:
		c.popPending(id)
		return nil, fmt.Errorf("calling %s: %w", method, errResponseTimeout)

	case <-ctx.Done():
		c.popPending(id)
		return nil, ctx.Err()
	}
}

// Subscribe registers a subscription. With wait, it blocks until the
// server marks the subscription ready or the readiness timeout elapses;
// a timeout is reported as ready == false with a nil error, since the
// subscription stays registered and documents still flow. Without wait
// it is fire-and-forget.
func (c *Client) Subscribe(ctx context.Context, name string, params []any, wait bool) (bool, error) {
	if !c.Connected() {
		return false, ErrNotConnected
	}

	id := c.nextID()

	var ch chan callResult
	if wait {
		ch = c.registerPending(id)
	}

	msg := subMessage{Msg: "sub", ID: id, Name: name, Params: params}
	if err := c.writeJSON(ctx, msg); err != nil {
		if wait {
			c.popPending(id)
		}

		return false, fmt.Errorf("subscribing to %s: %w", name, err)
	}

	if !wait {
		return false, nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return false, fmt.Errorf("subscribing to %s: %w", name, res.err)
		}

		c.logger.Debug("subscription ready", slog.String("name", name))

		return true, nil

	case <-timer.C:
		c.popPending(id)
		c.logger.Warn("subscription readiness timed out", slog.String("name", name))

		return false, nil

	case <-ctx.Done():
		c.popPending(id)
		return false, ctx.Err()
	}
}

// clearCollections drops all synced documents. Called before a
// reconnect resync so stale state never survives.
func (c *Client) clearCollections() {
	c.collectionsMu.Lock()
	defer c.collectionsMu.Unlock()

	c.collections = make(map[string]map[string]map[string]any)
}

// collectionDocs returns deep copies of the documents in the first
// named collection that has any, trying candidates in order.
func (c *Client) collectionDocs(candidates ...string) []map[string]any {
	c.collectionsMu.RLock()
	defer c.collectionsMu.RUnlock()

	for _, name := range candidates {
		coll := c.collections[name]
		if len(coll) == 0 {
			continue
		}

		docs := make([]map[string]any, 0, len(coll))
		for _, doc := range coll {
			docs = append(docs, copyDoc(doc))
		}

		return docs
	}

	return nil
}

// collectionDoc returns a deep copy of a single document, trying the
// candidate collections in order.
func (c *Client) collectionDoc(id string, candidates ...string) map[string]any {
	c.collectionsMu.RLock()
	defer c.collectionsMu.RUnlock()

	for _, name := range candidates {
		if doc, ok := c.collections[name][id]; ok {
			return copyDoc(doc)
		}
	}

	return nil
}

// copyDoc deep-copies a document so callers never alias dispatcher-owned
// maps.
func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}

	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyDoc(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}

		return out
	default:
		return v
	}
}
