package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/saworbit/vfsio/internal/logging"
	"github.com/saworbit/vfsio/internal/platform"
	"github.com/saworbit/vfsio/internal/version"
	"github.com/saworbit/vfsio/pkg/config"
)

func main() {
	root := newRootCmd(config.New())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs to load its configuration.
type cli struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	c := &cli{v: v}

	root := &cobra.Command{
		Use:           "vfsio",
		Short:         "vfsio - kernel file I/O observer exporting Prometheus metrics",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "Path to a YAML config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log encoding (json or console)")
	flags.String("host-root", "", "Prefix for the host's /proc, /sys and /etc when running in a container")
	flags.String("program", "", "Path to the compiled probe object")
	flags.String("btf", "", "Path to a BTF file to use instead of the kernel's")

	for key, flag := range map[string]string{
		"log.level":         "log-level",
		"log.format":        "log-format",
		"host_root":         "host-root",
		"ebpf.program_path": "program",
		"ebpf.btf.path":     "btf",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(newRunCmd(c), newTraceCmd(c), newLayoutCmd(c))
	return root
}

// load decodes the configuration, rebases host paths and builds the logger.
func (c *cli) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return nil, nil, err
	}
	applyHostRoot(cfg)

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	if c.configPath != "" {
		config.WatchLogLevel(c.v, level, logger.Named("config"))
	}
	return cfg, logger, nil
}

func applyHostRoot(cfg *config.Config) {
	cfg.ProcRoot = platform.HostPath(cfg.HostRoot, cfg.ProcRoot)
	cfg.SysRoot = platform.HostPath(cfg.HostRoot, cfg.SysRoot)
	cfg.Identity.EtcRoot = platform.HostPath(cfg.HostRoot, cfg.Identity.EtcRoot)
}
