package toybox

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=toybox

// maxFrameSize bounds inbound frames. Collection documents are small
// JSON objects; 4MB leaves ample headroom for bulk initial syncs.
const maxFrameSize = 4 * 1024 * 1024

// wsConn abstracts the WebSocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc produces a connection for an endpoint. Overridden in tests.
type dialFunc func(ctx context.Context, endpoint string) (wsConn, error)

// dialWebsocket dials the DDP endpoint with a browser-shaped Origin,
// which the platform requires.
func dialWebsocket(ctx context.Context, endpoint string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Origin": []string{"https://www.make.toys"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxFrameSize)

	return conn, nil
}
