package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/guseggert/tradebridge/protocol"
)

// Result is what every facade operation returns to the front end.
// It encodes to JSON as a flat object: "success", "message", and the command-specific payload fields.
type Result struct {
	Success bool
	Message string
	// Payload holds command-specific fields such as "positions" or "balance", plus the "requestId" of a reply.
	Payload map[string]json.RawMessage
}

func failure(msg string) Result {
	return Result{Message: msg}
}

func resultFromReply(reply *protocol.Reply) Result {
	return Result{
		Success: reply.OK(),
		Message: reply.Message,
		Payload: reply.Fields,
	}
}

// Field decodes a payload field into v. It reports false if the field is absent.
func (r Result) Field(name string, v any) (bool, error) {
	raw, ok := r.Payload[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decoding %q: %w", name, err)
	}
	return true, nil
}

// withDefault sets a payload field unless it is already present.
func (r *Result) withDefault(name string, raw json.RawMessage) {
	if _, ok := r.Payload[name]; ok {
		return
	}
	if r.Payload == nil {
		r.Payload = map[string]json.RawMessage{}
	}
	r.Payload[name] = raw
}

func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		m[k] = v
	}
	m["success"] = r.Success
	m["message"] = r.Message
	return json.Marshal(m)
}

func (r *Result) UnmarshalJSON(b []byte) error {
	reply, err := protocol.DecodeReply(b)
	if err != nil {
		return err
	}
	*r = resultFromReply(reply)
	return nil
}
