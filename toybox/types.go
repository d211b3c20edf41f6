package toybox

import "encoding/json"

// DDP wire messages. Every frame is a JSON text message whose "msg"
// field names the kind. Field names follow the protocol exactly;
// structs exist for the subset this client sends or consumes.

// connectMessage opens the DDP session after the WebSocket dial.
type connectMessage struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

// pongMessage answers a server ping. ID echoes the ping id when present.
type pongMessage struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// methodMessage invokes a server-side method. ID correlates the result.
type methodMessage struct {
	Msg    string `json:"msg"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     string `json:"id"`
}

// subMessage registers interest in a named publication.
type subMessage struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params,omitempty"`
}

// addedMessage delivers a full document for a collection.
type addedMessage struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
}

// changedMessage delivers a partial update: Fields are merged over the
// stored document, Cleared names fields to remove.
type changedMessage struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	Cleared    []string       `json:"cleared"`
}

// removedMessage drops a document from a collection.
type removedMessage struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// resultMessage carries a method outcome. Exactly one of Error and
// Result is meaningful; a non-null Error wins.
type resultMessage struct {
	ID     string          `json:"id"`
	Error  json.RawMessage `json:"error"`
	Result json.RawMessage `json:"result"`
}

// readyMessage acknowledges one or more subscriptions.
type readyMessage struct {
	Subs []string `json:"subs"`
}

// userCredential selects the account for a password login. The server
// accepts either shape; email is tried first, username on fallback.
type userCredential struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// loginPassword is the parameter object for a password login call.
type loginPassword struct {
	User     userCredential `json:"user"`
	Password string         `json:"password"`
}

// loginResume is the parameter object for a token-resume login call.
type loginResume struct {
	Resume string `json:"resume"`
}
