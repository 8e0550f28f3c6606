// Package server exposes a Bridge to the GUI over HTTP and a WebSocket stream.
// It is meant to listen on a loopback address, next to the GUI process.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/tradebridge/bridge"
	"github.com/guseggert/tradebridge/worker"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Server struct {
	logger *zap.SugaredLogger
	bridge *bridge.Bridge

	listenAddr    string
	defaultParams worker.Params

	httpServer *http.Server
	// baseCtx is the parent of every request context, and is canceled on Stop so that streams end.
	baseCtx context.Context
	cancel  context.CancelFunc

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithDefaultParams sets the connection params used when a connect request doesn't carry any.
func WithDefaultParams(p worker.Params) Option {
	return func(s *Server) {
		s.defaultParams = p
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a server for b. It does not listen until Run.
func New(b *bridge.Bridge, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger.Named("server").Sugar(),
		bridge:     b,
		listenAddr: "127.0.0.1:8484",
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/state", s.state)
	router.POST("/connect", s.connect)
	router.POST("/disconnect", s.disconnect)
	router.POST("/command/:type", s.command)
	router.GET("/ws", s.stream)

	s.httpServer = &http.Server{
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}
	return s, nil
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.logger.Infow("listening", "Addr", listener.Addr().String())

	s.heartbeatMut.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and every open connection, including streams. It does not touch the bridge.
func (s *Server) Stop() error {
	s.cancel()
	return s.httpServer.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(b)
	if err != nil {
		s.logger.Debugf("error writing response: %s", err)
	}
}

// readBody returns the request body, or nil if it is empty or only whitespace.
func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, readLimit))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	return b, nil
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	s.writeJSON(w, HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

func (s *Server) stateResponse() StateResponse {
	p := s.bridge.Params()
	return StateResponse{
		State:    s.bridge.State().String(),
		Host:     p.Host,
		Port:     p.Port,
		ClientID: p.ClientID,
		Pending:  s.bridge.Pending(),
	}
}

func (s *Server) state(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, s.stateResponse())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := s.defaultParams
	if body != nil {
		err = json.Unmarshal(body, &params)
		if err != nil {
			http.Error(w, fmt.Sprintf("decoding connection params: %s", err), http.StatusBadRequest)
			return
		}
	}
	s.logger.Debugw("connect request", "Params", params.String())
	s.writeJSON(w, s.bridge.Connect(r.Context(), params))
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, s.bridge.Disconnect())
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cmdType := params.ByName("type")
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var data any
	if body != nil {
		if !json.Valid(body) {
			http.Error(w, "command data is not valid JSON", http.StatusBadRequest)
			return
		}
		data = json.RawMessage(body)
	}
	s.writeJSON(w, s.bridge.SendCommand(r.Context(), cmdType, data))
}

// stream serves a WebSocket on which the client sends StreamRequests.
// Requests are handled concurrently, so replies may come back in a different order.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	s.logger.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req StreamRequest
		err := wsjson.Read(ctx, conn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.logger.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			s.logger.Debugf("stream reader got error: %s", err)
			conn.Close(websocket.StatusInternalError, "read error")
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.handleStreamRequest(ctx, req)
			if err != nil {
				s.logger.Debugw("unable to handle stream request", "ID", req.ID, "Op", req.Op, "Error", err)
				return
			}
			err = wsjson.Write(ctx, conn, resp)
			if err != nil {
				s.logger.Debugf("error writing stream response: %s", err)
			}
		}()
	}
}

func (s *Server) handleStreamRequest(ctx context.Context, req StreamRequest) (StreamResponse, error) {
	var result any
	switch req.Op {
	case OpConnect:
		params := s.defaultParams
		if req.Params != nil {
			params = *req.Params
		}
		result = s.bridge.Connect(ctx, params)
	case OpDisconnect:
		result = s.bridge.Disconnect()
	case OpCommand:
		var data any
		if len(req.Data) > 0 {
			data = req.Data
		}
		result = s.bridge.SendCommand(ctx, req.Type, data)
	case OpState:
		result = s.stateResponse()
	default:
		result = bridge.Result{Message: fmt.Sprintf("unknown op %q", req.Op)}
	}
	b, err := json.Marshal(result)
	if err != nil {
		return StreamResponse{}, fmt.Errorf("encoding result: %w", err)
	}
	return StreamResponse{ID: req.ID, Result: b}, nil
}
