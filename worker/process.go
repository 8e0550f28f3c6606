package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// waitDelay bounds how long Wait keeps draining output after the process exits,
// in case a grandchild inherited the pipes.
const waitDelay = 2 * time.Second

// Process is a running worker.
type Process struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	writeMut sync.Mutex
	stdin    io.WriteCloser

	done   chan struct{}
	result Result
}

// Start spawns the worker described by req.
// A failure to spawn is returned as a *SpawnError and no callbacks are invoked.
func Start(log *zap.SugaredLogger, req StartRequest) (*Process, error) {
	args := append(append([]string{}, req.Args...), req.Params.Args()...)
	cmd := exec.Command(req.Command, args...)
	cmd.Dir = req.WD
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Stdout = &chunkWriter{onChunk: req.Stdout}
	cmd.Stderr = &chunkWriter{onChunk: req.Stderr}
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	startTime := time.Now()
	err = cmd.Start()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	p := &Process{
		log:   log.With("PID", cmd.Process.Pid),
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	p.log.Debugw("worker started", "Command", req.Command, "Args", args)

	go p.waitAndReport(startTime, req.Exited)
	return p, nil
}

func (p *Process) waitAndReport(startTime time.Time, exited func(Result)) {
	defer close(p.done)

	err := p.cmd.Wait()
	res := Result{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		TimeMS:   time.Since(startTime).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
			res.Err = err
		}
	}
	p.result = res

	p.log.Debugw("worker exited", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	if exited != nil {
		exited(res)
	}
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Write sends one record to the worker's stdin. The record is written in full before any other Write proceeds.
func (p *Process) Write(record []byte) error {
	p.writeMut.Lock()
	defer p.writeMut.Unlock()
	_, err := p.stdin.Write(record)
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("writing to worker stdin: %w", err)
	}
	return nil
}

// Kill terminates the process without waiting for it to exit.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed after the process has exited and the Exited callback has returned.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		res := p.result
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
