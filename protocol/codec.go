package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed record")

// EncodeCommand serializes a command as a single newline-terminated record.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Type == "" {
		return nil, errors.New("command has no type")
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding %q command: %w", cmd.Type, err)
	}
	// json.Marshal escapes control characters, so b never contains a raw newline
	return append(b, '\n'), nil
}

// DecodeReply parses one record into a Reply.
// The record must be a JSON object; "success" must be a boolean when present,
// and "requestId" a string or a number (numbers are kept as their literal text).
// A null "success" counts as absent.
func DecodeReply(record []byte) (*Reply, error) {
	record = bytes.TrimSpace(record)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	reply := &Reply{
		Fields: fields,
		Raw:    bytes.Clone(record),
	}

	if raw, ok := fields["success"]; ok && !bytes.Equal(raw, []byte("null")) {
		var success bool
		if err := json.Unmarshal(raw, &success); err != nil {
			return nil, fmt.Errorf("%w: success field is not a boolean", ErrMalformed)
		}
		reply.Success = &success
	}
	delete(fields, "success")

	if raw, ok := fields["message"]; ok {
		// non-string messages stay in Fields
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil {
			reply.Message = msg
			delete(fields, "message")
		}
	}

	if raw, ok := fields["requestId"]; ok {
		id, err := decodeRequestID(raw)
		if err != nil {
			return nil, err
		}
		reply.RequestID = id
	}

	return reply, nil
}

func decodeRequestID(raw json.RawMessage) (string, error) {
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: requestId is neither a string nor a number", ErrMalformed)
}
