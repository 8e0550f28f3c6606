package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/tradebridge/protocol"
	"github.com/guseggert/tradebridge/worker"
)

// session is everything tied to one worker process.
// A session is current while b.sess points to it; events from any other session are stale.
type session struct {
	proc    *worker.Process
	params  worker.Params
	framer  *protocol.Framer
	hs      *handshake
	pending *correlator
}

// start replaces any running worker with a new one and returns the new session's handshake.
// If the worker can't be spawned, the returned handshake is already resolved.
func (b *Bridge) start(params worker.Params) *handshake {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.closed {
		hs := newHandshake()
		hs.resolve(failure(msgClosed))
		return hs
	}
	if b.stopLocked() {
		b.log.Debug("replaced running worker")
	}

	b.params = params
	s := &session{
		params:  params,
		framer:  &protocol.Framer{MaxBuffer: b.maxLineBytes},
		hs:      newHandshake(),
		pending: newCorrelator(b.newRequestID),
	}

	b.procs.Add(1)
	proc, err := worker.Start(b.log.Named("worker"), worker.StartRequest{
		Command: b.workerCommand,
		Args:    b.workerArgs,
		Env:     b.workerEnv,
		WD:      b.workerDir,
		Params:  params,
		Stdout:  func(chunk []byte) { b.onStdout(s, chunk) },
		Stderr:  func(chunk []byte) { b.onStderr(chunk) },
		Exited: func(res worker.Result) {
			defer b.procs.Done()
			b.onExit(s, res)
		},
	})
	if err != nil {
		b.procs.Done()
		b.log.Warnw("unable to start worker", "Error", err)
		b.state = StateFailed
		s.hs.resolve(failure(fmt.Sprintf(msgSpawnFailed, err)))
		return s.hs
	}

	s.proc = proc
	b.sess = s
	b.state = StateStarting
	s.hs.timer = time.AfterFunc(b.connectTimeout, func() { b.handshakeTimedOut(s) })
	b.log.Infow("worker started", "PID", proc.Pid(), "Params", params.String())
	return s.hs
}

// stopLocked kills the current worker, if any, and forgets its session.
// Pending commands and the pending handshake are abandoned, not resolved.
func (b *Bridge) stopLocked() bool {
	s := b.sess
	if s == nil {
		return false
	}
	b.sess = nil
	b.state = StateStopped

	if n := s.pending.abandonAll(); n > 0 {
		b.log.Debugw("abandoned pending commands", "Count", n)
	}
	if err := s.proc.Kill(); err != nil {
		b.log.Debugf("error killing worker: %s", err)
	}
	return true
}

// failLocked tears down a session whose handshake failed for good.
func (b *Bridge) failLocked(s *session) {
	if b.sess != s {
		return
	}
	b.sess = nil
	b.state = StateFailed
	s.pending.failAll(ErrWorkerExited)
	if err := s.proc.Kill(); err != nil {
		b.log.Debugf("error killing worker: %s", err)
	}
}

func (b *Bridge) handshakeTimedOut(s *session) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if !s.hs.resolve(failure(msgConnectTimeout)) {
		return
	}
	b.log.Warnw("worker handshake timed out", "Timeout", b.connectTimeout)
	b.failLocked(s)
}

// abortHandshake gives up on a connection attempt the caller is no longer waiting for.
func (b *Bridge) abortHandshake(hs *handshake, reason error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if !hs.resolve(failure(fmt.Sprintf(msgConnectCanceled, reason))) {
		return
	}
	if b.sess != nil && b.sess.hs == hs {
		b.failLocked(b.sess)
	}
}

func (b *Bridge) onStdout(s *session, chunk []byte) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.sess != s {
		return
	}

	records, err := s.framer.Feed(chunk)
	if err != nil {
		b.log.Warnw("discarding partial record", "Error", err, "MaxBytes", b.maxLineBytes)
	}
	for _, record := range records {
		reply, err := protocol.DecodeReply(record)
		if err != nil {
			b.log.Warnw("dropping malformed record", "Record", string(record), "Error", err)
			continue
		}
		b.dispatchLocked(s, reply)
	}
}

// dispatchLocked routes a reply to the handshake and to the pending command with the same ID.
// One message can do both.
func (b *Bridge) dispatchLocked(s *session, reply *protocol.Reply) {
	if reply.HasSuccess() && !s.hs.resolved {
		res := resultFromReply(reply)
		if reply.OK() {
			res = Result{Success: true, Message: fmt.Sprintf(msgConnected, s.params)}
			b.state = StateConnected
			b.log.Infow("worker connected", "Params", s.params.String())
		} else {
			b.state = StateFailed
			b.log.Warnw("worker failed to connect", "Message", reply.Message)
		}
		s.hs.resolve(res)
	}

	if reply.RequestID == "" {
		return
	}
	if !s.pending.resolve(reply.RequestID, outcome{reply: reply}) {
		b.log.Debugw("dropping reply with no pending command", "RequestID", reply.RequestID)
	}
}

func (b *Bridge) onStderr(chunk []byte) {
	b.log.Infow("worker stderr", "Output", strings.TrimRight(string(chunk), "\n"))
}

func (b *Bridge) onExit(s *session, res worker.Result) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.sess != s {
		b.log.Debugw("previous worker exited", "ExitCode", res.ExitCode)
		return
	}
	b.sess = nil
	b.log.Infow("worker exited", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS, "Error", res.Err)

	if len(s.framer.Pending()) > 0 {
		b.log.Debugw("worker exited mid-record", "Partial", string(s.framer.Pending()))
	}

	if s.hs.resolve(failure(msgExitedEarly)) {
		b.state = StateFailed
	} else if b.state != StateFailed {
		b.state = StateStopped
	}

	if n := s.pending.failAll(ErrWorkerExited); n > 0 {
		b.log.Warnw("failed in-flight commands", "Count", n)
	}
}
