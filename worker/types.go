package worker

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrClosed is returned when writing to a worker whose stdin has been closed.
var ErrClosed = errors.New("worker stdin closed")

// Params are the connection parameters handed to the worker on its command line.
type Params struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	ClientID int    `json:"clientId" yaml:"clientId"`
}

// Args returns the params as the worker's trailing arguments: host, port, client ID.
func (p Params) Args() []string {
	return []string{p.Host, strconv.Itoa(p.Port), strconv.Itoa(p.ClientID)}
}

func (p Params) String() string {
	return fmt.Sprintf("%s:%d (Client ID: %d)", p.Host, p.Port, p.ClientID)
}

type StartRequest struct {
	Command string
	// Args come before the connection params, e.g. the path of a worker script.
	Args   []string
	Env    []string
	WD     string
	Params Params

	// Stdout and Stderr receive output chunks. The slice is only valid for the duration of the call.
	Stdout func(b []byte)
	Stderr func(b []byte)
	// Exited is called once after the process has exited and its output has been drained.
	Exited func(res Result)
}

type Result struct {
	ExitCode int
	TimeMS   int64
	// Err is set when waiting failed for a reason other than a non-zero exit.
	Err error
}

// SpawnError means the process could not be started at all (missing executable, permissions, ...).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
