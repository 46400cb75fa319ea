package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8819", cfg.Metrics.Addr)
	assert.Equal(t, 10*time.Second, cfg.Metrics.SeriesIdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTI)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10000, cfg.Cache.CmdCapacity)
	assert.Equal(t, 100, cfg.Cache.DeviceCapacity)
	assert.Equal(t, "/proc", cfg.ProcRoot)
	assert.False(t, cfg.EBPF.BTF.AllowDownload)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VFSIO_METRICS_ADDR", "127.0.0.1:9000")
	t.Setenv("VFSIO_PIPELINE_WORKERS", "8")
	t.Setenv("VFSIO_CACHE_TTL", "30s")
	t.Setenv("VFSIO_EBPF_BTF_ALLOW_DOWNLOAD", "true")
	t.Setenv("VFSIO_PROC_ROOT", "/host/proc")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Metrics.Addr)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.EBPF.BTF.AllowDownload)
	assert.Equal(t, "/host/proc", cfg.ProcRoot)
	assert.Equal(t, 4096, cfg.Pipeline.QueueSize, "untouched keys keep defaults")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vfsio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: console
cache:
  cmd_capacity: 50
ebpf:
  page_size: 16384
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Cache.CmdCapacity)
	assert.Equal(t, uint64(16384), cfg.EBPF.PageSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Pipeline.QueueSize = 0 }},
		{"zero capacity", func(c *Config) { c.Cache.FsTypeCapacity = 0 }},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }},
		{"odd page size", func(c *Config) { c.EBPF.PageSize = 3000 }},
		{"download without mirror", func(c *Config) {
			c.EBPF.BTF.AllowDownload = true
			c.EBPF.BTF.HubMirror = ""
		}},
		{"no metrics addr", func(c *Config) { c.Metrics.Addr = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"no proc root", func(c *Config) { c.ProcRoot = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatchLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vfsio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	v := New()
	_, err := Load(v, path)
	require.NoError(t, err)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	// The watcher outlives the test, so it must not log through t.
	WatchLogLevel(v, level, zap.NewNop())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	assert.Eventually(t, func() bool {
		return level.Level() == zapcore.DebugLevel
	}, 5*time.Second, 20*time.Millisecond)
}
