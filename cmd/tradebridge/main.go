package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/tradebridge/bridge"
	"github.com/guseggert/tradebridge/client"
	"github.com/guseggert/tradebridge/config"
	"github.com/guseggert/tradebridge/internal/simworker"
	"github.com/guseggert/tradebridge/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "tradebridge",
		Usage: "runs and talks to the TWS worker process on behalf of the trading console",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path of a YAML config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "worker-command",
				Usage: "The worker executable.",
			},
			&cli.StringSliceFlag{
				Name:  "worker-arg",
				Usage: "An argument passed to the worker before the connection params. Repeatable.",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "The TWS / IB Gateway host.",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "The TWS / IB Gateway port.",
			},
			&cli.IntFlag{
				Name:  "client-id",
				Usage: "The TWS API client ID.",
			},
			&cli.DurationFlag{
				Name:  "connect-timeout",
				Usage: "How long to wait for the worker to connect.",
			},
			&cli.DurationFlag{
				Name:  "command-timeout",
				Usage: "How long to wait for the reply to a command.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the bridge behind an HTTP and WebSocket server for the GUI",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "127.0.0.1:8484",
					},
					&cli.BoolFlag{
						Name:  "connect",
						Usage: "Connect with the configured params on startup.",
					},
				},
				Action: serve,
			},
			{
				Name:      "call",
				Usage:     "connect, send the given commands concurrently, print their results, and disconnect",
				ArgsUsage: "TYPE[=DATA_JSON]...",
				Action:    call,
			},
			{
				Name:      "remote",
				Usage:     "send requests through a running server, one at a time",
				ArgsUsage: "connect|disconnect|state|TYPE[=DATA_JSON]...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "The server's base URL.",
						Value: "http://127.0.0.1:8484",
					},
				},
				Action: remote,
			},
			{
				Name:      "sim-worker",
				Usage:     "run the simulated worker on stdin and stdout",
				ArgsUsage: "HOST PORT CLIENT_ID",
				Action: func(c *cli.Context) error {
					code := simworker.Run(c.Args().Slice(), os.Getenv(simworker.ModeEnv), os.Stdin, os.Stdout, os.Stderr)
					if code != 0 {
						return cli.Exit("", code)
					}
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}
	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return cfg, err
	}

	if c.IsSet("worker-command") {
		cfg.Worker.Command = c.String("worker-command")
	}
	if c.IsSet("worker-arg") {
		cfg.Worker.Args = c.StringSlice("worker-arg")
	}
	if c.IsSet("host") {
		cfg.Connection.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Connection.Port = c.Int("port")
	}
	if c.IsSet("client-id") {
		cfg.Connection.ClientID = c.Int("client-id")
	}
	if c.IsSet("connect-timeout") {
		cfg.ConnectTimeout = c.Duration("connect-timeout")
	}
	if c.IsSet("command-timeout") {
		cfg.CommandTimeout = c.Duration("command-timeout")
	}
	return cfg, cfg.Validate()
}

// newLogger builds a development logger; it writes to stderr, leaving stdout to command output.
func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func newBridge(c *cli.Context) (*bridge.Bridge, config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(c)
	if err != nil {
		return nil, cfg, nil, err
	}
	b, err := bridge.New(append(cfg.BridgeOptions(), bridge.WithLogger(logger))...)
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("building bridge: %w", err)
	}
	return b, cfg, logger, nil
}

func closeBridge(b *bridge.Bridge) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Close(ctx)
}

func serve(c *cli.Context) error {
	b, cfg, logger, err := newBridge(c)
	if err != nil {
		return err
	}
	defer closeBridge(b)

	s, err := server.New(b,
		server.WithLogger(logger),
		server.WithListenAddr(c.String("listen-addr")),
		server.WithDefaultParams(cfg.Connection),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Bool("connect") {
		res := b.Connect(ctx, cfg.Connection)
		logger.Sugar().Infow("initial connect", "Success", res.Success, "Message", res.Message)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(s.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		return s.Stop()
	})
	return group.Wait()
}

// commandArg is a command given on the command line as TYPE or TYPE=DATA_JSON.
type commandArg struct {
	Type string
	Data json.RawMessage
}

func parseCommandArgs(args []string) ([]commandArg, error) {
	if len(args) == 0 {
		return nil, errors.New("no commands given")
	}
	var cmds []commandArg
	for _, arg := range args {
		cmdType, data, hasData := strings.Cut(arg, "=")
		if cmdType == "" {
			return nil, fmt.Errorf("missing command type in %q", arg)
		}
		cmd := commandArg{Type: cmdType}
		if hasData {
			if !json.Valid([]byte(data)) {
				return nil, fmt.Errorf("data of %q is not valid JSON", cmdType)
			}
			cmd.Data = json.RawMessage(data)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (a commandArg) data() any {
	if a.Data == nil {
		return nil
	}
	return a.Data
}

func printResult(cmdType string, result any) error {
	b, err := json.Marshal(struct {
		Type   string `json:"type"`
		Result any    `json:"result"`
	}{Type: cmdType, Result: result})
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func call(c *cli.Context) error {
	cmds, err := parseCommandArgs(c.Args().Slice())
	if err != nil {
		return err
	}
	b, cfg, _, err := newBridge(c)
	if err != nil {
		return err
	}
	defer closeBridge(b)

	connectRes := b.Connect(c.Context, cfg.Connection)
	if err := printResult("connect", connectRes); err != nil {
		return err
	}
	if !connectRes.Success {
		return cli.Exit("unable to connect", 1)
	}

	results := make([]bridge.Result, len(cmds))
	group, groupCtx := errgroup.WithContext(c.Context)
	for i, cmd := range cmds {
		i, cmd := i, cmd
		group.Go(func() error {
			results[i] = b.SendCommand(groupCtx, cmd.Type, cmd.data())
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	failed := 0
	for i, res := range results {
		if !res.Success {
			failed++
		}
		if err := printResult(cmds[i].Type, res); err != nil {
			return err
		}
	}
	if err := printResult("disconnect", b.Disconnect()); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d commands failed", failed, len(cmds)), 1)
	}
	return nil
}

func remote(c *cli.Context) error {
	cmds, err := parseCommandArgs(c.Args().Slice())
	if err != nil {
		return err
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	cl, err := client.New(c.String("addr"), client.WithLogger(logger))
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	if err := cl.WaitForServer(waitCtx); err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}

	stream, err := cl.DialStream(c.Context)
	if err != nil {
		return err
	}
	defer stream.Close()

	for _, cmd := range cmds {
		var result any
		switch cmd.Type {
		case "connect":
			result, err = stream.Connect(c.Context, nil)
		case "disconnect":
			result, err = stream.Disconnect(c.Context)
		case "state":
			result, err = stream.State(c.Context)
		default:
			result, err = stream.SendCommand(c.Context, cmd.Type, cmd.data())
		}
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Type, err)
		}
		if err := printResult(cmd.Type, result); err != nil {
			return err
		}
	}
	return nil
}
