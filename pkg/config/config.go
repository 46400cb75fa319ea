package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable, e.g. VFSIO_METRICS_ADDR.
const EnvPrefix = "VFSIO"

// Config is the complete agent configuration.
type Config struct {
	// ProcRoot and SysRoot locate the host's /proc and /sys, which differ
	// when running in a container with the host mounted elsewhere.
	ProcRoot string `mapstructure:"proc_root"`
	SysRoot  string `mapstructure:"sys_root"`

	// HostRoot, when set, is prefixed to ProcRoot, SysRoot and the identity
	// EtcRoot.
	HostRoot string `mapstructure:"host_root"`

	EBPF     EBPFConfig     `mapstructure:"ebpf"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Identity IdentityConfig `mapstructure:"identity"`
	Log      LogConfig      `mapstructure:"log"`
}

// EBPFConfig captures settings for loading and attaching the probes.
type EBPFConfig struct {
	// ProgramPath overrides the object file search.
	ProgramPath string `mapstructure:"program_path"`
	// PageSize overrides the detected page size when non-zero.
	PageSize uint64    `mapstructure:"page_size"`
	BTF      BTFConfig `mapstructure:"btf"`
}

// BTFConfig controls where kernel type information comes from when
// /sys/kernel/btf/vmlinux is unavailable.
type BTFConfig struct {
	Path          string `mapstructure:"path"`
	CacheDir      string `mapstructure:"cache_dir"`
	AllowDownload bool   `mapstructure:"allow_download"`
	HubMirror     string `mapstructure:"hub_mirror"`
}

// PipelineConfig sizes the hand-off between draining and enrichment.
type PipelineConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// CacheConfig bounds the enrichment caches.
type CacheConfig struct {
	TTI              time.Duration `mapstructure:"tti"`
	TTL              time.Duration `mapstructure:"ttl"`
	CmdCapacity      int           `mapstructure:"cmd_capacity"`
	DeviceCapacity   int           `mapstructure:"device_capacity"`
	FsTypeCapacity   int           `mapstructure:"fs_type_capacity"`
	FileTypeCapacity int           `mapstructure:"file_type_capacity"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr              string        `mapstructure:"addr"`
	SeriesIdleTimeout time.Duration `mapstructure:"series_idle_timeout"`
}

// IdentityConfig controls machine identity discovery.
type IdentityConfig struct {
	EtcRoot   string `mapstructure:"etc_root"`
	ProbeAddr string `mapstructure:"probe_addr"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ProcRoot: "/proc",
		SysRoot:  "/sys",
		EBPF: EBPFConfig{
			BTF: BTFConfig{
				AllowDownload: false,
				HubMirror:     "https://github.com/aquasecurity/btfhub-archive/raw/main",
			},
		},
		Pipeline: PipelineConfig{
			QueueSize: 4096,
			Workers:   4,
		},
		Cache: CacheConfig{
			TTI:              5 * time.Second,
			TTL:              10 * time.Second,
			CmdCapacity:      10000,
			DeviceCapacity:   100,
			FsTypeCapacity:   100,
			FileTypeCapacity: 100,
		},
		Metrics: MetricsConfig{
			Addr:              "0.0.0.0:8819",
			SeriesIdleTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			EtcRoot:   "/etc",
			ProbeAddr: "8.8.8.8:80",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// New returns a viper instance carrying the defaults and reading VFSIO_*
// environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every key with its default so environment variables
// are honoured by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("proc_root", d.ProcRoot)
	v.SetDefault("sys_root", d.SysRoot)
	v.SetDefault("host_root", d.HostRoot)

	v.SetDefault("ebpf.program_path", d.EBPF.ProgramPath)
	v.SetDefault("ebpf.page_size", d.EBPF.PageSize)
	v.SetDefault("ebpf.btf.path", d.EBPF.BTF.Path)
	v.SetDefault("ebpf.btf.cache_dir", d.EBPF.BTF.CacheDir)
	v.SetDefault("ebpf.btf.allow_download", d.EBPF.BTF.AllowDownload)
	v.SetDefault("ebpf.btf.hub_mirror", d.EBPF.BTF.HubMirror)

	v.SetDefault("pipeline.queue_size", d.Pipeline.QueueSize)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)

	v.SetDefault("cache.tti", d.Cache.TTI)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.cmd_capacity", d.Cache.CmdCapacity)
	v.SetDefault("cache.device_capacity", d.Cache.DeviceCapacity)
	v.SetDefault("cache.fs_type_capacity", d.Cache.FsTypeCapacity)
	v.SetDefault("cache.file_type_capacity", d.Cache.FileTypeCapacity)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.series_idle_timeout", d.Metrics.SeriesIdleTimeout)

	v.SetDefault("identity.etc_root", d.Identity.EtcRoot)
	v.SetDefault("identity.probe_addr", d.Identity.ProbeAddr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the optional config file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from defaults and environment variables
func LoadFromEnv() (*Config, error) {
	return Load(New(), "")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ProcRoot == "" || c.SysRoot == "" {
		return errors.New("proc_root and sys_root must be set")
	}
	if err := c.EBPF.Validate(); err != nil {
		return fmt.Errorf("ebpf config invalid: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config invalid: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config invalid: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config invalid: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config invalid: %w", err)
	}
	return nil
}

// Validate ensures the page size override is usable.
func (c EBPFConfig) Validate() error {
	if c.PageSize != 0 && c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size must be a power of two, got %d", c.PageSize)
	}
	if c.BTF.AllowDownload && c.BTF.HubMirror == "" {
		return errors.New("btf downloads need a hub mirror")
	}
	return nil
}

func (c PipelineConfig) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got: %d", c.QueueSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got: %d", c.Workers)
	}
	return nil
}

func (c CacheConfig) Validate() error {
	if c.TTI < 0 || c.TTL < 0 {
		return errors.New("cache timeouts must not be negative")
	}
	for name, n := range map[string]int{
		"cmd":       c.CmdCapacity,
		"device":    c.DeviceCapacity,
		"fs_type":   c.FsTypeCapacity,
		"file_type": c.FileTypeCapacity,
	} {
		if n <= 0 {
			return fmt.Errorf("%s cache capacity must be positive, got: %d", name, n)
		}
	}
	return nil
}

func (c MetricsConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("metrics address is required")
	}
	if c.SeriesIdleTimeout < 0 {
		return errors.New("series idle timeout must not be negative")
	}
	return nil
}

func (c LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'console')", c.Format)
	}
	return nil
}

// WatchLogLevel re-reads log.level whenever the config file changes and
// applies it to level. Other keys need a restart.
func WatchLogLevel(v *viper.Viper, level zap.AtomicLevel, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		raw := v.GetString("log.level")
		lvl, err := zapcore.ParseLevel(raw)
		if err != nil {
			logger.Warn("Ignoring invalid log level from config", zap.String("level", raw), zap.Error(err))
			return
		}
		if lvl != level.Level() {
			level.SetLevel(lvl)
			logger.Info("Log level changed", zap.String("level", lvl.String()), zap.String("file", e.Name))
		}
	})
	v.WatchConfig()
}
