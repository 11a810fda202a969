package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:8017", cfg.ListenAddr)
	assert.Equal(t, 300*time.Second, cfg.IdleTimeout.Duration)
	assert.Equal(t, 60*time.Second, cfg.ReapInterval.Duration)
	assert.Equal(t, 5*time.Second, cfg.GracePeriod.Duration)
	assert.Equal(t, "WORKER_FILES_PATH", cfg.Worker.DataDirEnv)
	assert.NotEmpty(t, cfg.Worker.DataDir)
	assert.Empty(t, cfg.Worker.StreamSentinel)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9000"
idle_timeout: 2m
grace_period: 1s
worker:
  command: ["python", "-m", "excel_mcp", "stdio"]
  data_dir: /var/lib/linegate
  stream_sentinel: "<eom>"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout.Duration)
	assert.Equal(t, time.Second, cfg.GracePeriod.Duration)
	// values absent from the file keep their defaults
	assert.Equal(t, 60*time.Second, cfg.ReapInterval.Duration)
	assert.Equal(t, "WORKER_FILES_PATH", cfg.Worker.DataDirEnv)

	assert.Equal(t, []string{"python", "-m", "excel_mcp", "stdio"}, cfg.Worker.Command)
	assert.Equal(t, "/var/lib/linegate", cfg.Worker.DataDir)
	assert.Equal(t, "<eom>", cfg.Worker.StreamSentinel)

	require.NoError(t, cfg.Validate())
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idle_timeout: soon\n"), 0644))

	_, err := Load(path)
	require.ErrorContains(t, err, "parsing duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cfg *Config)
		expErr string
	}{
		{
			name:   "missing command",
			mutate: func(cfg *Config) {},
			expErr: "worker.command is required",
		},
		{
			name: "missing listen addr",
			mutate: func(cfg *Config) {
				cfg.Worker.Command = []string{"worker"}
				cfg.ListenAddr = ""
			},
			expErr: "listen_addr is required",
		},
		{
			name: "zero idle timeout",
			mutate: func(cfg *Config) {
				cfg.Worker.Command = []string{"worker"}
				cfg.IdleTimeout.Duration = 0
			},
			expErr: "idle_timeout must be positive",
		},
		{
			name: "negative grace period",
			mutate: func(cfg *Config) {
				cfg.Worker.Command = []string{"worker"}
				cfg.GracePeriod.Duration = -time.Second
			},
			expErr: "grace_period must be positive",
		},
		{
			name: "valid",
			mutate: func(cfg *Config) {
				cfg.Worker.Command = []string{"worker"}
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(&cfg)
			err := cfg.Validate()
			if c.expErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, c.expErr)
			}
		})
	}
}
