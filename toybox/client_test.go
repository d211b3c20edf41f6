package toybox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newBareClient() *Client {
	return NewClient("wss://toybox.test/websocket", testLogger())
}

func TestApplyAdded_StoresDocumentWithID(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{
		Collection: "printerStates",
		ID:         "p1",
		Fields:     map[string]any{"online": true},
	})

	docs := c.collectionDocs("printerStates")
	require.Len(t, docs, 1)
	assert.Equal(t, "p1", docs[0]["_id"])
	assert.Equal(t, true, docs[0]["online"])
}

func TestApplyAdded_NilFieldsStillStoresID(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{Collection: "printerStates", ID: "p1"})

	doc := c.collectionDoc("p1", "printerStates")
	require.NotNil(t, doc)
	assert.Equal(t, "p1", doc["_id"])
}

func TestApplyAdded_RedeliveryReplacesDocument(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{
		Collection: "printerStates",
		ID:         "p1",
		Fields:     map[string]any{"online": true, "ui_state": "busy"},
	})
	c.applyAdded(addedMessage{
		Collection: "printerStates",
		ID:         "p1",
		Fields:     map[string]any{"online": false},
	})

	doc := c.collectionDoc("p1", "printerStates")
	require.NotNil(t, doc)
	assert.Equal(t, false, doc["online"])
	// Wholesale replacement: the old ui_state field is gone.
	assert.NotContains(t, doc, "ui_state")
}

func TestApplyChanged_MergesAndClears(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{
		Collection: "printerStates",
		ID:         "p1",
		Fields:     map[string]any{"online": true, "ui_state": "busy"},
	})
	c.applyChanged(changedMessage{
		Collection: "printerStates",
		ID:         "p1",
		Fields:     map[string]any{"online": false, "extruder": "PLA"},
		Cleared:    []string{"ui_state"},
	})

	doc := c.collectionDoc("p1", "printerStates")
	require.NotNil(t, doc)
	assert.Equal(t, false, doc["online"])
	assert.Equal(t, "PLA", doc["extruder"])
	assert.NotContains(t, doc, "ui_state")
	assert.Equal(t, "p1", doc["_id"])
}

func TestApplyChanged_UnknownDocumentDropped(t *testing.T) {
	c := newBareClient()

	c.applyChanged(changedMessage{
		Collection: "printerStates",
		ID:         "ghost",
		Fields:     map[string]any{"online": true},
	})

	assert.Nil(t, c.collectionDoc("ghost", "printerStates"))
}

func TestApplyRemoved_DeletesDocument(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{Collection: "toyPrints", ID: "r1", Fields: map[string]any{}})
	c.applyRemoved(removedMessage{Collection: "toyPrints", ID: "r1"})

	assert.Nil(t, c.collectionDoc("r1", "toyPrints"))
}

func TestApplyRemoved_UnknownDocumentNoOp(t *testing.T) {
	c := newBareClient()

	c.applyRemoved(removedMessage{Collection: "toyPrints", ID: "ghost"})
	c.applyRemoved(removedMessage{Collection: "nothere", ID: "ghost"})
}

func TestClearCollections_DropsEverything(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{Collection: "printerStates", ID: "p1", Fields: map[string]any{}})
	c.applyAdded(addedMessage{Collection: "toyPrints", ID: "r1", Fields: map[string]any{}})

	c.clearCollections()

	assert.Empty(t, c.collectionDocs("printerStates"))
	assert.Empty(t, c.collectionDocs("toyPrints"))
}

func TestCollectionDocs_CandidateOrder(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{Collection: "printer_states", ID: "p1", Fields: map[string]any{}})

	// First candidate is empty, falls through to the second.
	docs := c.collectionDocs("printerStates", "printer_states")
	require.Len(t, docs, 1)
	assert.Equal(t, "p1", docs[0]["_id"])
}

func TestCollectionDocs_ReturnsCopies(t *testing.T) {
	c := newBareClient()

	c.applyAdded(addedMessage{
		Collection: "printerStates",
		ID:         "p1",
		Fields:     map[string]any{"nested": map[string]any{"a": 1}},
	})

	docs := c.collectionDocs("printerStates")
	require.Len(t, docs, 1)
	docs[0]["online"] = true
	docs[0]["nested"].(map[string]any)["a"] = 2

	doc := c.collectionDoc("p1", "printerStates")
	assert.NotContains(t, doc, "online")
	assert.Equal(t, 1, doc["nested"].(map[string]any)["a"])
}

func TestHandleMessage_PingAnsweredWithPong(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newBareClient()

	conn := NewMockwsConn(ctrl)
	conn.EXPECT().
		Write(gomock.Any(), websocket.MessageText, []byte(`{"msg":"pong","id":"ping-7"}`)).
		Return(nil)

	c.conn = conn
	c.handleMessage(context.Background(), []byte(`{"msg":"ping","id":"ping-7"}`))
}

func TestHandleMessage_PingWithoutIDOmitsID(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newBareClient()

	conn := NewMockwsConn(ctrl)
	conn.EXPECT().
		Write(gomock.Any(), websocket.MessageText, []byte(`{"msg":"pong"}`)).
		Return(nil)

	c.conn = conn
	c.handleMessage(context.Background(), []byte(`{"msg":"ping"}`))
}

func TestHandleMessage_MalformedFramesDropped(t *testing.T) {
	c := newBareClient()

	frames := [][]byte{
		[]byte(`{"server_id":"1"}`),
		[]byte(`{"msg":"added","id":42}`),
		[]byte(`{"msg":"changed","fields":"nope"}`),
		[]byte(`{"msg":"result","id":[]}`),
		[]byte(`{"msg":"mystery"}`),
	}

	for _, frame := range frames {
		c.handleMessage(context.Background(), frame)
	}

	assert.Empty(t, c.collectionDocs("printerStates"))
}

func TestHandleMessage_ResultResolvesPendingCall(t *testing.T) {
	c := newBareClient()
	ch := c.registerPending("5")

	c.handleMessage(context.Background(), resultFrame("5", `{"ok":true}`))

	res := <-ch
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":true}`, string(res.result))

	// The pending entry is consumed; a duplicate result is dropped.
	c.handleMessage(context.Background(), resultFrame("5", `{"ok":false}`))
}

func TestHandleMessage_ResultErrorBecomesRemoteError(t *testing.T) {
	c := newBareClient()
	ch := c.registerPending("5")

	c.handleMessage(context.Background(), errorFrame("5", "User not found"))

	res := <-ch
	require.Error(t, res.err)

	var remoteErr *RemoteError
	require.ErrorAs(t, res.err, &remoteErr)
	assert.Equal(t, "User not found", remoteErr.Reason)
	assert.True(t, remoteErr.userNotFound())
}

func TestHandleMessage_ResultForUnknownCallDropped(t *testing.T) {
	c := newBareClient()

	c.handleMessage(context.Background(), resultFrame("99", `null`))
}

func TestHandleMessage_ReadyResolvesEachSub(t *testing.T) {
	c := newBareClient()
	ch1 := c.registerPending("1")
	ch2 := c.registerPending("2")

	// Unknown id "7" in the same frame is a no-op.
	c.handleMessage(context.Background(), readyFrame("1", "7", "2"))

	res1 := <-ch1
	assert.NoError(t, res1.err)

	res2 := <-ch2
	assert.NoError(t, res2.err)
}

func TestSignalConnected_OnlyDuringHandshake(t *testing.T) {
	c := newBareClient()
	c.setState(StateConnecting)

	c.connectedMu.Lock()
	c.connectedCh = make(chan struct{})
	ch := c.connectedCh
	c.connectedMu.Unlock()

	c.handleMessage(context.Background(), []byte(`{"msg":"connected","session":"s"}`))
	assert.Equal(t, StateConnected, c.State())

	select {
	case <-ch:
	default:
		t.Fatal("connected channel not closed")
	}

	// A second connected message outside the handshake is ignored and
	// must not close the channel again.
	c.handleMessage(context.Background(), []byte(`{"msg":"connected","session":"s"}`))
	assert.Equal(t, StateConnected, c.State())
}

func TestConnect_EstablishesSession(t *testing.T) {
	ts := &testServer{}
	c := connectTestClient(t, ts)

	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.Connected())
	assert.Equal(t, 1, ts.dialCount())
}

func TestConnect_AlreadyConnectedNoOp(t *testing.T) {
	ts := &testServer{}
	c := connectTestClient(t, ts)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, ts.dialCount())
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	c := newBareClient()
	c.handshakeWait = 50 * time.Millisecond
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		// Nothing answers the connect message.
		return newFakeConn(), nil
	}

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errResponseTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_DialFailure(t *testing.T) {
	c := newBareClient()
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		return nil, errors.New("connection refused")
	}

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDispatch_DeltaSequenceOverWire(t *testing.T) {
	ts := &testServer{}
	c := connectTestClient(t, ts)

	conn := ts.lastConn()
	conn.deliver(
		addedFrame("printerStates", "p1", `{"online":false}`),
		changedFrame("printerStates", "p1", `{"online":true}`, `[]`),
		addedFrame("toyPrints", "r1", `{"state":"Printing"}`),
		removedFrame("toyPrints", "r1"),
	)

	waitFor(t, func() bool {
		doc := c.collectionDoc("p1", "printerStates")
		return doc != nil && doc["online"] == true && c.collectionDoc("r1", "toyPrints") == nil
	}, "deltas not applied in order")
}

func TestDispatch_ConnectionLossFailsPending(t *testing.T) {
	ts := &testServer{}
	c := connectTestClient(t, ts)

	ch := c.registerPending("42")

	ts.lastConn().Close(websocket.StatusNormalClosure, "bye")

	select {
	case res := <-ch:
		require.Error(t, res.err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on connection loss")
	}

	waitFor(t, func() bool { return c.State() == StateDisconnected }, "state not disconnected")
}

func TestClose_Idempotent(t *testing.T) {
	ts := &testServer{}
	c := connectTestClient(t, ts)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestResultMessage_Decoding(t *testing.T) {
	var msg resultMessage
	require.NoError(t, json.Unmarshal(errorFrame("3", "boom"), &msg))
	assert.Equal(t, "3", msg.ID)
	assert.NotEmpty(t, msg.Error)

	var ok resultMessage
	require.NoError(t, json.Unmarshal(resultFrame("4", `{"token":"t"}`), &ok))
	assert.Empty(t, ok.Error)
	assert.JSONEq(t, `{"token":"t"}`, string(ok.Result))
}
