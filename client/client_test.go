package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/tradebridge/bridge"
	"github.com/guseggert/tradebridge/internal/net"
	"github.com/guseggert/tradebridge/internal/simworker"
	"github.com/guseggert/tradebridge/server"
	"github.com/guseggert/tradebridge/worker"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const simWorkerEnv = "TRADEBRIDGE_SIMWORKER"

func TestMain(m *testing.M) {
	if os.Getenv(simWorkerEnv) == "1" {
		os.Exit(simworker.Main())
	}
	os.Exit(m.Run())
}

var testParams = worker.Params{Host: "127.0.0.1", Port: 4002, ClientID: 1}

func newClient(t *testing.T) *Client {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	b, err := bridge.New(
		bridge.WithLogger(logger),
		bridge.WithWorkerCommand(os.Args[0]),
		bridge.WithWorkerEnv(simWorkerEnv+"=1"),
	)
	require.NoError(t, err)

	port, err := net.GetEphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	s, err := server.New(b, server.WithLogger(logger), server.WithListenAddr(addr), server.WithDefaultParams(testParams))
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
		require.NoError(t, <-runErr)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
	})

	c, err := New("http://"+addr, WithLogger(logger), WithWaitInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))
	return c
}

func TestWaitForServerTimesOut(t *testing.T) {
	port, err := net.GetEphemeralTCPPort()
	require.NoError(t, err)
	c, err := New(fmt.Sprintf("http://127.0.0.1:%d", port),
		WithWaitInterval(10*time.Millisecond),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.RetryMax = 0
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForServer(ctx), context.DeadlineExceeded)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", state.State)

	res, err := c.Connect(ctx, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Successfully connected to TWS at 127.0.0.1:4002 (Client ID: 1)", res.Message)

	res, err = c.SendCommand(ctx, bridge.CmdPlaceOrder, bridge.Order{
		Action:     "SELL",
		Ticker:     "AAPL",
		Quantity:   1,
		Expiry:     "20250321",
		Strike:     190,
		OptionType: "PUT",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	res, err = c.SendCommand(ctx, bridge.CmdGetPositions, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	var positions []bridge.Position
	_, err = res.Field("positions", &positions)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL 20250321 190P", positions[0].Symbol)
	assert.Equal(t, -1.0, positions[0].Position)

	// concurrent commands over plain HTTP
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		i := i
		group.Go(func() error {
			res, err := c.SendCommand(groupCtx, "echo", i)
			if err != nil {
				return err
			}
			var echoed int
			if _, err := res.Field("data", &echoed); err != nil {
				return err
			}
			if echoed != i {
				return fmt.Errorf("sent %d, got %d back", i, echoed)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	res, err = c.Disconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Disconnected from TWS", res.Message)
}

func TestClientNon200(t *testing.T) {
	c := newClient(t)
	err := c.do(context.Background(), http.MethodPost, "/command/echo", []byte("{"), nil)
	assert.ErrorContains(t, err, "non-200 HTTP status code 400")

	err = c.do(context.Background(), http.MethodGet, "/nope", nil, nil)
	assert.ErrorContains(t, err, "non-200 HTTP status code 404")
}

func TestOnlyGetsAreRetried(t *testing.T) {
	var gets, posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			http.Error(w, "worker busy", http.StatusServiceUnavailable)
			return
		}
		if gets.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"state":"connected","pending":0}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "connected", state.State)
	assert.Equal(t, int32(3), gets.Load())

	_, err = c.SendCommand(ctx, bridge.CmdPlaceOrder, bridge.Order{Action: "BUY", Ticker: "SPY", Quantity: 1})
	assert.ErrorContains(t, err, "non-200 HTTP status code 503")
	_, err = c.Disconnect(ctx)
	assert.ErrorContains(t, err, "non-200 HTTP status code 503")
	assert.Equal(t, int32(2), posts.Load())
}

func TestStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newClient(t)

	stream, err := c.DialStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	res, err := stream.Connect(ctx, &worker.Params{Host: "127.0.0.1", Port: 7497, ClientID: 5})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Successfully connected to TWS at 127.0.0.1:7497 (Client ID: 5)", res.Message)

	state, err := stream.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, &server.StateResponse{State: "connected", Host: "127.0.0.1", Port: 7497, ClientID: 5}, state)

	res, err = stream.SendCommand(ctx, bridge.CmdGetBalance, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	var balance float64
	_, err = res.Field("balance", &balance)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, balance)

	res, err = stream.SendCommand(ctx, "bogus", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Unknown command: bogus", res.Message)

	res, err = stream.Disconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Disconnected from TWS", res.Message)

	res, err = stream.SendCommand(ctx, bridge.CmdGetDailyPnL, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not connected to TWS", res.Message)
}
