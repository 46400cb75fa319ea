package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/vfsio/internal/metrics"
	"github.com/saworbit/vfsio/internal/version"
	"github.com/saworbit/vfsio/pkg/aggregator"
	"github.com/saworbit/vfsio/pkg/channel"
	"github.com/saworbit/vfsio/pkg/config"
	"github.com/saworbit/vfsio/pkg/ebpf"
	"github.com/saworbit/vfsio/pkg/identity"
	"github.com/saworbit/vfsio/pkg/kernel"
)

var errSourceClosed = errors.New("event source closed")

func newRunCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach the probes and export the io counter on /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAgent(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("metrics-addr", "", "Listen address of the /metrics endpoint")
	_ = c.v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

func newTraceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "trace",
		Short: "Print one line per observed file access instead of exporting metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lookups, err := aggregator.NewLookups(cfg.ProcRoot, cfg.SysRoot)
			if err != nil {
				return err
			}
			mgr, err := ebpf.NewManager(&cfg.EBPF, ebpf.ExclusionList(os.Getpid(), lookups), logger)
			if err != nil {
				return fmt.Errorf("start ebpf manager: %w", err)
			}
			defer mgr.Close()

			return runTrace(ctx, mgr.Source(), lookups, cmd.OutOrStdout(), logger)
		},
	}
}

func newLayoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the kernel struct offsets derived from BTF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			layout, source, err := ebpf.LoadLayout(&cfg.EBPF, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# BTF: %s\n", source)
			return printLayout(cmd.OutOrStdout(), layout)
		},
	}
}

func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	lookups, err := aggregator.NewLookups(cfg.ProcRoot, cfg.SysRoot)
	if err != nil {
		return err
	}

	mgr, err := ebpf.NewManager(&cfg.EBPF, ebpf.ExclusionList(os.Getpid(), lookups), logger)
	if err != nil {
		return fmt.Errorf("start ebpf manager: %w", err)
	}
	defer mgr.Close()

	machine := identity.Discover(ctx, identity.Options{
		EtcRoot:   cfg.Identity.EtcRoot,
		ProbeAddr: cfg.Identity.ProbeAddr,
	}, logger)
	logger.Info("Machine identity",
		zap.String("machine_id", machine.ID),
		zap.String("hostname", machine.Hostname),
		zap.String("ips", machine.IPString()),
	)

	counter, err := metrics.NewIOCounter(metrics.Registry, cfg.Metrics.SeriesIdleTimeout, nil)
	if err != nil {
		return fmt.Errorf("register io counter: %w", err)
	}
	agg, err := aggregator.New(lookups, counter, machine, aggregatorOptions(cfg.Cache), logger)
	if err != nil {
		return err
	}

	metrics.SetAgentInfo("", "", version.Version, "ebpf")
	return serve(ctx, cfg, mgr.Source(), agg, counter, logger)
}

// serve runs the pipeline next to the metrics endpoint and the series
// expiry loop. Any of them stopping stops the others.
func serve(ctx context.Context, cfg *config.Config, src channel.Source, proc aggregator.Processor, counter *metrics.IOCounter, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return metrics.Serve(ctx, cfg.Metrics.Addr, logger)
	})
	g.Go(func() error {
		counter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		pipeline := aggregator.NewPipeline(src, proc, aggregator.PipelineOptions{
			QueueSize: cfg.Pipeline.QueueSize,
			Workers:   cfg.Pipeline.Workers,
		}, logger)
		if err := pipeline.Run(ctx); err != nil {
			return err
		}
		if ctx.Err() == nil {
			return errSourceClosed
		}
		return nil
	})

	metrics.SetUp(true)
	defer metrics.SetUp(false)
	return g.Wait()
}

func runTrace(ctx context.Context, src channel.Source, lookups aggregator.Source, out io.Writer, logger *zap.Logger) error {
	tracer, err := aggregator.NewTracer(lookups, out)
	if err != nil {
		return err
	}
	// One worker keeps lines in drain order.
	pipeline := aggregator.NewPipeline(src, tracer, aggregator.PipelineOptions{Workers: 1}, logger)
	return pipeline.Run(ctx)
}

func aggregatorOptions(c config.CacheConfig) aggregator.Options {
	limits := func(capacity int) aggregator.CacheLimits {
		return aggregator.CacheLimits{Capacity: capacity, TTI: c.TTI, TTL: c.TTL}
	}
	return aggregator.Options{
		Cmd:      limits(c.CmdCapacity),
		Device:   limits(c.DeviceCapacity),
		FsType:   limits(c.FsTypeCapacity),
		FileType: limits(c.FileTypeCapacity),
	}
}

func printLayout(out io.Writer, layout kernel.Layout) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	v := reflect.ValueOf(layout)
	for i := 0; i < v.NumField(); i++ {
		fmt.Fprintf(tw, "%s\t%d\n", v.Type().Field(i).Name, v.Field(i).Uint())
	}
	return tw.Flush()
}
