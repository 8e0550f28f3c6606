// Package config holds the bridge settings: how to launch the worker, the connection params it is
// launched with, and the bridge timeouts.
// Settings come from built-in defaults, overlaid by an optional YAML file and then by TWS_* environment variables.
// They are never written back.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/guseggert/tradebridge/bridge"
	"github.com/guseggert/tradebridge/internal/files"
	"github.com/guseggert/tradebridge/worker"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 4002
	DefaultClientID = 1
)

// Environment variables that override the connection params.
const (
	EnvHost     = "TWS_HOST"
	EnvPort     = "TWS_PORT"
	EnvClientID = "TWS_CLIENT_ID"
)

type Worker struct {
	Command string `yaml:"command"`
	// Args precede the connection params on the worker's command line.
	Args []string `yaml:"args"`
	// Env is added to the environment the worker inherits, as KEY=VALUE pairs.
	Env []string `yaml:"env"`
	Dir string   `yaml:"dir"`
}

type Config struct {
	Worker         Worker        `yaml:"worker"`
	Connection     worker.Params `yaml:"connection"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	MaxLineBytes   int           `yaml:"maxLineBytes"`
}

// Default returns the built-in settings.
// The worker script is looked up from the working directory upwards, falling back to a relative path.
func Default() Config {
	script := bridge.DefaultWorkerScript
	if wd, err := os.Getwd(); err == nil {
		if path, err := files.FindUp(bridge.DefaultWorkerScript, wd); err == nil && path != "" {
			script = path
		}
	}
	return Config{
		Worker: Worker{
			Command: bridge.DefaultWorkerCommand,
			Args:    []string{script},
		},
		Connection: worker.Params{
			Host:     DefaultHost,
			Port:     DefaultPort,
			ClientID: DefaultClientID,
		},
		ConnectTimeout: bridge.DefaultConnectTimeout,
		CommandTimeout: bridge.DefaultCommandTimeout,
		MaxLineBytes:   bridge.DefaultMaxLineBytes,
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err = dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides the connection params from TWS_HOST, TWS_PORT and TWS_CLIENT_ID.
// Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Connection.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvPort, err)
		}
		c.Connection.Port = port
	}
	if v, ok := lookup(EnvClientID); ok && v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvClientID, err)
		}
		c.Connection.ClientID = id
	}
	return c.Validate()
}

func (c Config) Validate() error {
	if c.Worker.Command == "" {
		return errors.New("worker command is empty")
	}
	if c.Connection.Host == "" {
		return errors.New("host is empty")
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Connection.Port)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout)
	}
	if c.MaxLineBytes < 0 {
		return fmt.Errorf("max line bytes must not be negative, got %d", c.MaxLineBytes)
	}
	return nil
}

// BridgeOptions translates the settings into bridge options.
func (c Config) BridgeOptions() []bridge.Option {
	return []bridge.Option{
		bridge.WithWorkerCommand(c.Worker.Command, c.Worker.Args...),
		bridge.WithWorkerEnv(c.Worker.Env...),
		bridge.WithWorkerDir(c.Worker.Dir),
		bridge.WithConnectTimeout(c.ConnectTimeout),
		bridge.WithCommandTimeout(c.CommandTimeout),
		bridge.WithMaxLineBytes(c.MaxLineBytes),
	}
}
