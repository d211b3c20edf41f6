package toybox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotConnected is returned when an operation needs a live session
	// and none exists (and reconnection was not attempted or failed).
	ErrNotConnected = errors.New("not connected")

	// ErrAuthentication wraps login rejections: bad credentials, unknown
	// account, rejected resume token.
	ErrAuthentication = errors.New("authentication failed")

	// ErrSessionExpired is returned when a reconnect cannot restore the
	// session because no credentials or resume token are available.
	ErrSessionExpired = errors.New("session expired")

	errResponseTimeout = fmt.Errorf("timed out waiting for server response")
)

// RemoteError is a structured error payload from a method result.
type RemoteError struct {
	Reason  string
	Message string
	Payload []byte
}

func (e *RemoteError) Error() string {
	if e.Reason != "" {
		return "server error: " + e.Reason
	}

	if e.Message != "" {
		return "server error: " + e.Message
	}

	return "server error: " + string(e.Payload)
}

// newRemoteError decodes the error object of a result message.
func newRemoteError(payload []byte) *RemoteError {
	return &RemoteError{
		Reason:  gjson.GetBytes(payload, "reason").Str,
		Message: gjson.GetBytes(payload, "message").Str,
		Payload: payload,
	}
}

// userNotFound reports whether the error indicates an unknown account,
// which triggers the username-shaped login retry.
func (e *RemoteError) userNotFound() bool {
	return strings.Contains(e.Reason, "User not found") ||
		strings.Contains(e.Message, "User not found")
}
