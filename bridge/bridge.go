package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/tradebridge/protocol"
	"github.com/guseggert/tradebridge/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultWorkerCommand  = "python3"
	DefaultWorkerScript   = "tws_bridge.py"
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxLineBytes   = 1 << 20
)

// Bridge is the process bridge between the front end and one backend worker.
// It is safe for concurrent use.
type Bridge struct {
	log *zap.SugaredLogger

	workerCommand string
	workerArgs    []string
	workerEnv     []string
	workerDir     string

	connectTimeout time.Duration
	commandTimeout time.Duration
	maxLineBytes   int
	newRequestID   func() string

	// mut guards the current session, including its handshake and pending commands.
	mut    sync.Mutex
	sess   *session
	state  State
	params worker.Params
	closed bool

	// procs counts spawned workers whose exit hasn't been handled yet.
	procs sync.WaitGroup
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.log = b.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithWorkerCommand sets the worker executable and the arguments that precede the connection params.
func WithWorkerCommand(command string, args ...string) Option {
	return func(b *Bridge) {
		b.workerCommand = command
		b.workerArgs = args
	}
}

// WithWorkerEnv adds environment variables to the worker's inherited environment.
func WithWorkerEnv(env ...string) Option {
	return func(b *Bridge) {
		b.workerEnv = append(b.workerEnv, env...)
	}
}

func WithWorkerDir(dir string) Option {
	return func(b *Bridge) {
		b.workerDir = dir
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.connectTimeout = d
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.commandTimeout = d
	}
}

// WithMaxLineBytes caps the size of a partial record buffered from the worker. Zero disables the cap.
func WithMaxLineBytes(n int) Option {
	return func(b *Bridge) {
		b.maxLineBytes = n
	}
}

// New constructs a Bridge. No worker is started until Connect.
func New(opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		log:            logger.Named("bridge").Sugar(),
		workerCommand:  DefaultWorkerCommand,
		workerArgs:     []string{DefaultWorkerScript},
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		maxLineBytes:   DefaultMaxLineBytes,
		newRequestID:   newRequestID,
		state:          StateStopped,
	}
	for _, o := range opts {
		o(b)
	}
	if b.connectTimeout <= 0 || b.commandTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive (connect %s, command %s)", b.connectTimeout, b.commandTimeout)
	}
	return b, nil
}

func (b *Bridge) State() State {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.state
}

// Params returns the connection params of the most recent Connect.
func (b *Bridge) Params() worker.Params {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.params
}

// Connect starts a worker with the given params, replacing any running worker, and waits for its handshake.
// If ctx is done first, the attempt is abandoned and the worker is terminated.
func (b *Bridge) Connect(ctx context.Context, params worker.Params) Result {
	hs := b.start(params)
	select {
	case res := <-hs.result:
		return res
	case <-ctx.Done():
		b.abortHandshake(hs, ctx.Err())
		// resolved exactly once, either by the abort or by whatever beat it
		return <-hs.result
	}
}

// Disconnect terminates the worker without waiting for it to exit.
// Commands still waiting for a reply are abandoned and will time out.
func (b *Bridge) Disconnect() Result {
	b.mut.Lock()
	defer b.mut.Unlock()

	if !b.stopLocked() {
		return Result{Success: true, Message: msgAlreadyDisconnected}
	}
	b.log.Info("disconnected")
	return Result{Success: true, Message: msgDisconnected}
}

// Close disconnects and waits until every worker this Bridge started has exited.
// Connect fails once Close has been called.
func (b *Bridge) Close(ctx context.Context) error {
	b.mut.Lock()
	b.closed = true
	if b.stopLocked() {
		b.log.Info("disconnected")
	}
	b.mut.Unlock()

	done := make(chan struct{})
	go func() {
		b.procs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers to exit: %w", ctx.Err())
	}
}

// SendCommand sends a command to the worker and waits for its reply.
// Failures become a Result with Success false; for the known trading commands,
// the command's payload field is filled with its zero value.
func (b *Bridge) SendCommand(ctx context.Context, cmdType string, data any) Result {
	reply, err := b.send(ctx, cmdType, data)
	if err != nil {
		b.log.Debugw("command failed", "Type", cmdType, "Error", err)
		res := failure(err.Error())
		applyFailureDefaults(cmdType, &res)
		return res
	}
	res := resultFromReply(reply)
	if !res.Success {
		applyFailureDefaults(cmdType, &res)
	}
	return res
}

func (b *Bridge) send(ctx context.Context, cmdType string, data any) (*protocol.Reply, error) {
	b.mut.Lock()
	s := b.sess
	if s == nil {
		b.mut.Unlock()
		return nil, ErrNotConnected
	}
	req := s.pending.register(cmdType)
	record, err := protocol.EncodeCommand(protocol.Command{
		Type:      cmdType,
		Data:      data,
		RequestID: req.id,
	})
	if err != nil {
		s.pending.take(req.id)
		b.mut.Unlock()
		return nil, err
	}
	b.mut.Unlock()

	timer := time.NewTimer(b.commandTimeout)
	defer timer.Stop()

	// the write races the deadline too: a worker that stops reading stdin blocks it once the pipe fills,
	// until the worker is killed
	written := make(chan error, 1)
	b.log.Debugw("sending command", "Type", cmdType, "RequestID", req.id)
	go func() { written <- s.proc.Write(record) }()

	for {
		select {
		case err := <-written:
			if err != nil {
				return b.expire(s, req, fmt.Errorf("sending %q command: %w", cmdType, err))
			}
			written = nil
		case o := <-req.done:
			return o.reply, o.err
		case <-timer.C:
			return b.expire(s, req, ErrTimeout)
		case <-ctx.Done():
			return b.expire(s, req, ctx.Err())
		}
	}
}

// expire resolves a command with err, unless a reply won the race to the table.
func (b *Bridge) expire(s *session, req *pendingRequest, err error) (*protocol.Reply, error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if s.pending.take(req.id) != nil {
		b.log.Debugw("command expired", "Type", req.cmdType, "RequestID", req.id, "Error", err)
		return nil, err
	}
	select {
	case o := <-req.done:
		return o.reply, o.err
	default:
		// abandoned by Disconnect
		return nil, err
	}
}

// Pending is the number of commands waiting for a reply from the current worker.
func (b *Bridge) Pending() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.sess == nil {
		return 0
	}
	return b.sess.pending.len()
}
