package simworker

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, mode string, lines ...string) (int, []map[string]any, string) {
	t.Helper()
	stdin := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"127.0.0.1", "4002", "1"}, mode, stdin, &stdout, &stderr)

	var replies []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			m = map[string]any{"raw": line}
		}
		replies = append(replies, m)
	}
	return code, replies, stderr.String()
}

func TestHandshakeModes(t *testing.T) {
	cases := []struct {
		mode         string
		expCode      int
		expHandshake map[string]any
		expReplies   int
	}{
		{mode: "", expCode: 0, expHandshake: map[string]any{"success": true}, expReplies: 1},
		{mode: ModeOK, expCode: 0, expHandshake: map[string]any{"success": true}, expReplies: 1},
		{mode: ModeSplit, expCode: 0, expHandshake: map[string]any{"success": true}, expReplies: 1},
		{mode: ModeReject, expCode: 1, expHandshake: map[string]any{"success": false, "message": "Failed to connect. Ensure TWS/Gateway is running."}, expReplies: 1},
		{mode: ModeExit, expCode: 1},
		{mode: ModeSilent, expCode: 0},
		{mode: "bogus", expCode: 2},
	}
	for _, c := range cases {
		c := c
		t.Run(c.mode, func(t *testing.T) {
			code, replies, _ := run(t, c.mode)
			assert.Equal(t, c.expCode, code)
			require.Len(t, replies, c.expReplies)
			if c.expHandshake != nil {
				assert.Equal(t, c.expHandshake, replies[0])
			}
		})
	}
}

func TestNoiseModeWritesNonJSONFirst(t *testing.T) {
	code, replies, _ := run(t, ModeNoise)
	assert.Equal(t, 0, code)
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0], "raw")
	assert.Equal(t, map[string]any{"success": true}, replies[1])
}

func TestUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"127.0.0.1"}, ModeOK, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "usage")

	code = Run([]string{"127.0.0.1", "notaport", "1"}, ModeOK, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 1, code)
}

func TestCommands(t *testing.T) {
	code, replies, stderr := run(t, ModeOK,
		`{"type":"echo","data":{"a":1},"requestId":"r1"}`,
		`{"type":"get_balance","requestId":"r2"}`,
		`{"type":"nope","requestId":"r3"}`,
		`{"type":"get_ticker_price","data":{"ticker":"spy"},"requestId":7}`,
		`not json at all`,
		`{"type":"ignore","requestId":"r4"}`,
		`{"type":"stderr","data":{"text":"hello from stderr"},"requestId":"r5"}`,
	)
	assert.Equal(t, 0, code)
	require.Len(t, replies, 6)

	assert.Equal(t, map[string]any{"success": true, "data": map[string]any{"a": float64(1)}, "requestId": "r1"}, replies[1])
	assert.Equal(t, map[string]any{"success": true, "balance": startingBalance, "requestId": "r2"}, replies[2])
	assert.Equal(t, map[string]any{"success": false, "message": "Unknown command: nope", "requestId": "r3"}, replies[3])
	assert.Equal(t, map[string]any{"success": true, "price": 500.25, "requestId": float64(7)}, replies[4])
	assert.Equal(t, map[string]any{"success": true, "requestId": "r5"}, replies[5])
	assert.Contains(t, stderr, "hello from stderr")
}

func TestSleepRepliesAfterLaterCommands(t *testing.T) {
	_, replies, _ := run(t, ModeOK,
		`{"type":"sleep","data":{"ms":50},"requestId":"slow"}`,
		`{"type":"echo","requestId":"fast"}`,
	)
	require.Len(t, replies, 3)
	assert.Equal(t, "fast", replies[1]["requestId"])
	assert.Equal(t, "slow", replies[2]["requestId"])
	assert.Equal(t, float64(50), replies[2]["slept"])
}

func TestExitCommand(t *testing.T) {
	code, replies, _ := run(t, ModeOK,
		`{"type":"exit","data":{"code":4},"requestId":"r1"}`,
		`{"type":"echo","requestId":"r2"}`,
	)
	assert.Equal(t, 4, code)
	assert.Len(t, replies, 1)
}

func TestGarbageCommand(t *testing.T) {
	_, replies, _ := run(t, ModeOK, `{"type":"garbage","requestId":"r1"}`)
	require.Len(t, replies, 3)
	assert.Contains(t, replies[1], "raw")
	assert.Equal(t, "r1", replies[2]["requestId"])
}

func TestAccount(t *testing.T) {
	a := newAccount()

	res := a.handle("place_order", json.RawMessage(`{"action":"BUY","ticker":"spy","quantity":2,"expiry":"20250117","strike":500,"optionType":"CALL"}`))
	require.Equal(t, true, res["success"], res["message"])
	assert.Equal(t, "Order placed: BUY 2 SPY 20250117 500C", res["message"])
	assert.Equal(t, 1, res["orderId"])
	assert.InDelta(t, startingBalance-250, a.balance, 1e-9)

	positions := a.sortedPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "SPY 20250117 500C", positions[0].Symbol)
	assert.Equal(t, 2.0, positions[0].Position)
	assert.InDelta(t, 280, positions[0].MarketValue, 1e-9)
	assert.InDelta(t, 30, positions[0].UnrealizedPNL, 1e-9)

	res = a.handle("close_position", json.RawMessage(`{"symbol":"SPY 20250117 500C","position":1}`))
	require.Equal(t, true, res["success"], res["message"])
	assert.InDelta(t, 15, a.realizedPNL, 1e-9)
	require.Len(t, a.sortedPositions(), 1)
	assert.Equal(t, 1.0, a.sortedPositions()[0].Position)

	res = a.handle("place_order", json.RawMessage(`{"action":"SELL","ticker":"QQQ","quantity":1,"expiry":"20250117","strike":430,"optionType":"PUT"}`))
	require.Equal(t, true, res["success"], res["message"])
	assert.Equal(t, 2, res["orderId"])

	res = a.handle("close_all_positions", nil)
	assert.Equal(t, "Closed 2 positions", res["message"])
	assert.Empty(t, a.sortedPositions())

	res = a.handle("close_position", json.RawMessage(`{"symbol":"SPY 20250117 500C","position":1}`))
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "Position not found: SPY 20250117 500C", res["message"])
}

func TestAccountRejectsInvalidOrders(t *testing.T) {
	cases := []struct {
		name  string
		order string
	}{
		{name: "missing data", order: ``},
		{name: "bad action", order: `{"action":"HOLD","ticker":"SPY","quantity":1,"expiry":"20250117","strike":500,"optionType":"CALL"}`},
		{name: "zero quantity", order: `{"action":"BUY","ticker":"SPY","quantity":0,"expiry":"20250117","strike":500,"optionType":"CALL"}`},
		{name: "missing ticker", order: `{"action":"BUY","quantity":1,"expiry":"20250117","strike":500,"optionType":"CALL"}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			a := newAccount()
			var data json.RawMessage
			if c.order != "" {
				data = json.RawMessage(c.order)
			}
			res := a.handle("place_order", data)
			assert.Equal(t, false, res["success"])
			assert.True(t, strings.HasPrefix(res["message"].(string), "Invalid order"))
			assert.Equal(t, startingBalance, a.balance)
		})
	}
}
