package server

import (
	"encoding/json"

	"github.com/guseggert/tradebridge/worker"
)

// readLimit caps a single WebSocket message. Command data and results are small, but position lists can grow.
const readLimit = 1 << 20

// Stream ops.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpCommand    = "command"
	OpState      = "state"
)

type HeartbeatResponse struct {
	LastHeartbeat string
}

type StateResponse struct {
	State    string `json:"state"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID int    `json:"clientId"`
	// Pending is the number of commands waiting for a reply from the worker.
	Pending int `json:"pending"`
}

// StreamRequest is a message sent by the client over the /ws stream.
// Type and Data are only used by the command op, Params only by the connect op.
type StreamRequest struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Params *worker.Params  `json:"params,omitempty"`
}

// StreamResponse answers the StreamRequest with the same ID.
// Result is a StateResponse for the state op, and a bridge.Result otherwise.
type StreamResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}
