// Package client is the GUI side of the server package: plain HTTP calls for one-off operations,
// and a WebSocket stream for a long-lived session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/tradebridge/bridge"
	"github.com/guseggert/tradebridge/server"
	"github.com/guseggert/tradebridge/worker"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type Option func(c *Client)

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type noRetryKey struct{}

// checkRetry is the default retry policy, except for requests that must not be sent twice.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if noRetry, _ := ctx.Value(noRetryKey{}).(bool); noRetry {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New constructs a client for the server at baseURL, e.g. "http://127.0.0.1:8484".
func New(baseURL string, opts ...Option) (*Client, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	c := &Client{
		Logger:       logger.Named("client").Sugar(),
		baseURL:      strings.TrimRight(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = checkRetry
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// do sends a request. Only GETs are retried: a command the server received but never answered
// may already have reached the brokerage.
func (c *Client) do(ctx context.Context, method, path string, body []byte, v any) error {
	if method != http.MethodGet {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			msg = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			msg = strings.TrimSpace(string(b))
		}
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, msg)
	}
	if v == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/heartbeat", nil, nil)
}

// WaitForServer polls the heartbeat endpoint until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) State(ctx context.Context) (*server.StateResponse, error) {
	var state server.StateResponse
	err := c.do(ctx, http.MethodGet, "/state", nil, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Connect asks the server to connect with params, or with its default params if params is nil.
func (c *Client) Connect(ctx context.Context, params *worker.Params) (bridge.Result, error) {
	var body []byte
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return bridge.Result{}, err
		}
		body = b
	}
	var res bridge.Result
	err := c.do(ctx, http.MethodPost, "/connect", body, &res)
	return res, err
}

func (c *Client) Disconnect(ctx context.Context) (bridge.Result, error) {
	var res bridge.Result
	err := c.do(ctx, http.MethodPost, "/disconnect", nil, &res)
	return res, err
}

// SendCommand sends one command through the server. Errors are transport errors only;
// a command that failed in the bridge comes back as a Result with Success false.
func (c *Client) SendCommand(ctx context.Context, cmdType string, data any) (bridge.Result, error) {
	var body []byte
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return bridge.Result{}, fmt.Errorf("encoding command data: %w", err)
		}
		body = b
	}
	var res bridge.Result
	err := c.do(ctx, http.MethodPost, "/command/"+cmdType, body, &res)
	return res, err
}

// DialStream opens a WebSocket stream to the server.
func (c *Client) DialStream(ctx context.Context) (*Stream, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &Stream{log: c.Logger.Named("stream"), conn: conn}, nil
}

// Stream is a WebSocket session with the server.
// Calls on one Stream are serialized; open more Streams for concurrent calls.
type Stream struct {
	log  *zap.SugaredLogger
	mut  sync.Mutex
	conn *websocket.Conn
}

// Call sends req, assigning it an ID if it has none, and waits for its response.
func (s *Stream) Call(ctx context.Context, req server.StreamRequest) (*server.StreamResponse, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	err := wsjson.Write(ctx, s.conn, req)
	if err != nil {
		return nil, fmt.Errorf("writing stream request: %w", err)
	}
	var resp server.StreamResponse
	// a canceled ctx closes the conn, so there are never responses left over from an earlier call
	err = wsjson.Read(ctx, s.conn, &resp)
	if err != nil {
		return nil, fmt.Errorf("reading stream response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("got response %q for request %q", resp.ID, req.ID)
	}
	s.log.Debugw("stream call done", "ID", req.ID, "Op", req.Op)
	return &resp, nil
}

func (s *Stream) call(ctx context.Context, req server.StreamRequest) (bridge.Result, error) {
	resp, err := s.Call(ctx, req)
	if err != nil {
		return bridge.Result{}, err
	}
	var res bridge.Result
	err = json.Unmarshal(resp.Result, &res)
	if err != nil {
		return bridge.Result{}, fmt.Errorf("decoding result: %w", err)
	}
	return res, nil
}

func (s *Stream) Connect(ctx context.Context, params *worker.Params) (bridge.Result, error) {
	return s.call(ctx, server.StreamRequest{Op: server.OpConnect, Params: params})
}

func (s *Stream) Disconnect(ctx context.Context) (bridge.Result, error) {
	return s.call(ctx, server.StreamRequest{Op: server.OpDisconnect})
}

func (s *Stream) SendCommand(ctx context.Context, cmdType string, data any) (bridge.Result, error) {
	req := server.StreamRequest{Op: server.OpCommand, Type: cmdType}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return bridge.Result{}, fmt.Errorf("encoding command data: %w", err)
		}
		req.Data = b
	}
	return s.call(ctx, req)
}

func (s *Stream) State(ctx context.Context) (*server.StateResponse, error) {
	resp, err := s.Call(ctx, server.StreamRequest{Op: server.OpState})
	if err != nil {
		return nil, err
	}
	var state server.StateResponse
	err = json.Unmarshal(resp.Result, &state)
	if err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &state, nil
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
