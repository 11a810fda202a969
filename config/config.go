// Package config holds the gateway's configuration surface: the listen
// address, the worker launch command, and the idle/reap/grace timings.
// Values come from an optional YAML file with CLI flags layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "300s" or "5m" parse
// directly.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", node.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// IdleTimeout is how long a session's worker may sit unused before the
	// reaper terminates it.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ReapInterval is how often the reaper scans for idle workers.
	ReapInterval Duration `yaml:"reap_interval"`

	// GracePeriod is how long a terminating worker gets between SIGTERM and
	// SIGKILL.
	GracePeriod Duration `yaml:"grace_period"`

	Worker WorkerConfig `yaml:"worker"`
}

type WorkerConfig struct {
	// Command is the worker program and its arguments.
	Command []string `yaml:"command"`

	// DataDir is the data-files directory handed to workers; it is created at
	// startup if missing.
	DataDir string `yaml:"data_dir"`

	// DataDirEnv is the environment variable name carrying DataDir.
	DataDirEnv string `yaml:"data_dir_env"`

	// StreamSentinel is the line a worker emits to end one streamed response.
	// Empty disables sentinel framing; a stream then ends only when the worker
	// closes stdout.
	StreamSentinel string `yaml:"stream_sentinel"`
}

func Default() Config {
	return Config{
		ListenAddr:   "0.0.0.0:8017",
		IdleTimeout:  Duration{300 * time.Second},
		ReapInterval: Duration{60 * time.Second},
		GracePeriod:  Duration{5 * time.Second},
		Worker: WorkerConfig{
			DataDir:    filepath.Join(os.TempDir(), "linegate-files"),
			DataDirEnv: "WORKER_FILES_PATH",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if len(c.Worker.Command) == 0 {
		return errors.New("worker.command is required")
	}
	if c.IdleTimeout.Duration <= 0 {
		return errors.New("idle_timeout must be positive")
	}
	if c.ReapInterval.Duration <= 0 {
		return errors.New("reap_interval must be positive")
	}
	if c.GracePeriod.Duration <= 0 {
		return errors.New("grace_period must be positive")
	}
	return nil
}
