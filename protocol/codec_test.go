package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	b, err := EncodeCommand(Command{
		Type:      "get_ticker_price",
		Data:      map[string]string{"ticker": "SPY\nQQQ"},
		RequestID: "abc",
	})
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), b[len(b)-1])
	assert.NotContains(t, string(b[:len(b)-1]), "\n")
	assert.JSONEq(t, `{"type":"get_ticker_price","data":{"ticker":"SPY\nQQQ"},"requestId":"abc"}`, string(b))
}

func TestEncodeCommandOmitsEmptyFields(t *testing.T) {
	b, err := EncodeCommand(Command{Type: "get_balance"})
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"get_balance\"}\n", string(b))
}

func TestEncodeCommandRequiresType(t *testing.T) {
	_, err := EncodeCommand(Command{RequestID: "x"})
	assert.Error(t, err)
}

func TestDecodeReply(t *testing.T) {
	cases := []struct {
		name       string
		record     string
		expErr     bool
		expID      string
		expSuccess *bool
		expMessage string
		expFields  []string
	}{
		{
			name:       "handshake",
			record:     `{"success":true}`,
			expSuccess: boolPtr(true),
		},
		{
			name:       "failed handshake with message",
			record:     `{"success":false,"message":"Failed to connect."}`,
			expSuccess: boolPtr(false),
			expMessage: "Failed to connect.",
		},
		{
			name:       "command reply with payload",
			record:     `{"requestId":"X","success":true,"balance":1234.5}`,
			expID:      "X",
			expSuccess: boolPtr(true),
			expFields:  []string{"requestId", "balance"},
		},
		{
			name:       "numeric request id",
			record:     `{"requestId":1700000000000.123,"success":true}`,
			expID:      "1700000000000.123",
			expSuccess: boolPtr(true),
			expFields:  []string{"requestId"},
		},
		{
			name:      "no success field",
			record:    `{"requestId":"Y","price":1}`,
			expID:     "Y",
			expFields: []string{"requestId", "price"},
		},
		{
			name:       "null request id",
			record:     `{"requestId":null,"success":true}`,
			expSuccess: boolPtr(true),
			expFields:  []string{"requestId"},
		},
		{
			name:      "null success is absent",
			record:    `{"requestId":"Z","success":null}`,
			expID:     "Z",
			expFields: []string{"requestId"},
		},
		{
			name:       "non-string message stays in fields",
			record:     `{"success":true,"message":{"detail":1}}`,
			expSuccess: boolPtr(true),
			expFields:  []string{"message"},
		},
		{name: "not json", record: "not-json", expErr: true},
		{name: "array", record: `[1,2]`, expErr: true},
		{name: "null", record: `null`, expErr: true},
		{name: "string success", record: `{"success":"yes"}`, expErr: true},
		{name: "object request id", record: `{"requestId":{},"success":true}`, expErr: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reply, err := DecodeReply([]byte(c.record))
			if c.expErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expID, reply.RequestID)
			assert.Equal(t, c.expSuccess, reply.Success)
			assert.Equal(t, c.expMessage, reply.Message)
			assert.Equal(t, c.record, string(reply.Raw))

			var keys []string
			for k := range reply.Fields {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, c.expFields, keys)
		})
	}
}

func TestDecodeReplyPayloadPassesThrough(t *testing.T) {
	reply, err := DecodeReply([]byte(`{"requestId":"p","success":true,"positions":[{"symbol":"SPY","position":2}]}`))
	require.NoError(t, err)
	assert.True(t, reply.OK())

	var positions []map[string]any
	require.NoError(t, json.Unmarshal(reply.Fields["positions"], &positions))
	assert.Equal(t, "SPY", positions[0]["symbol"])
}

func boolPtr(b bool) *bool { return &b }
