// Package simworker is a stand-in for the brokerage worker process.
// It speaks the same line protocol against an in-memory paper account, and has a few extra
// commands and handshake modes for exercising the bridge: slow and missing replies, garbage output, crashes.
package simworker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ModeEnv selects the handshake behavior.
const ModeEnv = "SIMWORKER_MODE"

const (
	// ModeOK answers the handshake with success.
	ModeOK = "ok"
	// ModeReject answers the handshake with a failure and exits 1.
	ModeReject = "reject"
	// ModeExit exits 1 without writing anything to stdout.
	ModeExit = "exit"
	// ModeSilent never answers the handshake.
	ModeSilent = "silent"
	// ModeNoise writes a non-JSON line before a successful handshake.
	ModeNoise = "noise"
	// ModeSplit writes a successful handshake in several separately flushed pieces.
	ModeSplit = "split"
	// ModeStall answers the handshake with success and then stops reading stdin.
	ModeStall = "stall"
)

// stallTime is how long ModeStall leaves stdin unread before exiting.
const stallTime = time.Minute

const maxLineBytes = 1 << 20

// Main runs the simulated worker on the process's stdio and returns its exit code.
func Main() int {
	return Run(os.Args[1:], os.Getenv(ModeEnv), os.Stdin, os.Stdout, os.Stderr)
}

// Run runs the simulated worker. args are the connection params: host, port, client ID.
func Run(args []string, mode string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := newLogger(stderr)
	defer log.Sync()

	if len(args) != 3 {
		log.Errorf("usage: simworker <host> <port> <client_id>, got %d args", len(args))
		return 1
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		log.Errorf("invalid port %q", args[1])
		return 1
	}
	clientID, err := strconv.Atoi(args[2])
	if err != nil {
		log.Errorf("invalid client ID %q", args[2])
		return 1
	}
	log = log.With("Host", args[0], "Port", port, "ClientID", clientID)

	w := &simWorker{
		log:    log,
		out:    stdout,
		errOut: stderr,
		acct:   newAccount(),
	}

	if mode == "" {
		mode = ModeOK
	}
	switch mode {
	case ModeOK:
		w.reply(map[string]any{"success": true}, nil)
	case ModeReject:
		w.reply(map[string]any{"success": false, "message": "Failed to connect. Ensure TWS/Gateway is running."}, nil)
		return 1
	case ModeExit:
		log.Error("unable to reach TWS, exiting")
		return 1
	case ModeSilent:
		log.Info("not answering the handshake")
		io.Copy(io.Discard, stdin)
		return 0
	case ModeNoise:
		w.writeRaw([]byte("connecting to TWS...\n"))
		w.reply(map[string]any{"success": true}, nil)
	case ModeSplit:
		for _, piece := range []string{`{"succ`, `ess": `, `true`, "}", "\n"} {
			w.writeRaw([]byte(piece))
			time.Sleep(10 * time.Millisecond)
		}
	case ModeStall:
		w.reply(map[string]any{"success": true}, nil)
		log.Info("connected, but not reading commands")
		time.Sleep(stallTime)
		return 0
	default:
		log.Errorf("unknown mode %q", mode)
		return 2
	}
	log.Info("bridge ready, waiting for commands")

	code, exited := w.serve(stdin)
	if !exited {
		w.wg.Wait()
	}
	return code
}

func newLogger(w io.Writer) *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return zap.New(core).Named("simworker").Sugar()
}

type command struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID json.RawMessage `json:"requestId"`
}

type simWorker struct {
	log    *zap.SugaredLogger
	errOut io.Writer

	outMut sync.Mutex
	out    io.Writer

	acct *account
	wg   sync.WaitGroup
}

// serve handles commands until stdin closes or an exit command arrives.
// It reports whether an exit command stopped it.
func (w *simWorker) serve(stdin io.Reader) (int, bool) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var cmd command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			w.log.Debugf("ignoring undecodable command: %s", err)
			continue
		}
		w.log.Debugw("handling command", "Type", cmd.Type, "RequestID", string(cmd.RequestID))
		if code, exit := w.handle(cmd); exit {
			return code, true
		}
	}
	if err := scanner.Err(); err != nil {
		w.log.Errorf("reading stdin: %s", err)
		return 1, false
	}
	w.log.Info("stdin closed, shutting down")
	return 0, false
}

func (w *simWorker) handle(cmd command) (int, bool) {
	switch cmd.Type {
	case "echo":
		data := cmd.Data
		if data == nil {
			data = json.RawMessage("null")
		}
		w.reply(map[string]any{"success": true, "data": data}, cmd.RequestID)
	case "sleep":
		var args struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(cmd.Data, &args)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			time.Sleep(time.Duration(args.MS) * time.Millisecond)
			w.reply(map[string]any{"success": true, "slept": args.MS}, cmd.RequestID)
		}()
	case "ignore":
	case "exit":
		var args struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(cmd.Data, &args)
		return args.Code, true
	case "garbage":
		w.writeRaw([]byte("Traceback (most recent call last): not json\n"))
		w.reply(map[string]any{"success": true}, cmd.RequestID)
	case "stderr":
		var args struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(cmd.Data, &args)
		fmt.Fprintln(w.errOut, args.Text)
		w.reply(map[string]any{"success": true}, cmd.RequestID)
	default:
		w.reply(w.acct.handle(cmd.Type, cmd.Data), cmd.RequestID)
	}
	return 0, false
}

// reply writes one response line, echoing the request ID verbatim when there is one.
func (w *simWorker) reply(resp map[string]any, requestID json.RawMessage) {
	if len(requestID) > 0 {
		resp["requestId"] = requestID
	}
	b, err := json.Marshal(resp)
	if err != nil {
		w.log.Errorf("encoding response: %s", err)
		return
	}
	w.writeRaw(append(b, '\n'))
}

func (w *simWorker) writeRaw(b []byte) {
	w.outMut.Lock()
	defer w.outMut.Unlock()
	if _, err := w.out.Write(b); err != nil {
		w.log.Errorf("writing stdout: %s", err)
	}
}
