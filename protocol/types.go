package protocol

import "encoding/json"

// Command is a message sent to the worker.
// RequestID is always set once the session is past the handshake.
type Command struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Reply is a message received from the worker.
// A Reply with a RequestID answers the Command with that ID.
// A Reply with Success set is a candidate handshake result.
type Reply struct {
	RequestID string
	// Success is nil when the message has no "success" field.
	Success *bool
	Message string

	// Fields holds every top-level field of the message except "success" and "message",
	// so command-specific payloads (and the requestId) pass through untouched.
	Fields map[string]json.RawMessage

	// Raw is the record the reply was decoded from.
	Raw []byte
}

// HasSuccess reports whether the message carried a "success" field.
func (r *Reply) HasSuccess() bool {
	return r.Success != nil
}

// OK reports whether the message carried "success": true.
func (r *Reply) OK() bool {
	return r.Success != nil && *r.Success
}
