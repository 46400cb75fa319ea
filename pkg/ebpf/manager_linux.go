//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/saworbit/vfsio/pkg/channel"
	"github.com/saworbit/vfsio/pkg/config"
	"github.com/saworbit/vfsio/pkg/kernel"
)

var _ Manager = (*kernelManager)(nil)

type kernelManager struct {
	cfg     *config.EBPFConfig
	opts    kernel.Options
	btfSpec *btf.Spec
	objs    bpfObjects
	links   []link.Link
	source  *RingbufSource
	logger  *zap.Logger
}

// NewManager loads the probe object, bakes the exclusion list, page size and
// kernel struct layout into it and attaches every probe. Nothing is left
// attached when an error is returned.
func NewManager(cfg *config.EBPFConfig, exclude [kernel.ExcludeSlots]uint32, logger *zap.Logger) (Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ebpf configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ebpf")

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Warn("Failed to remove memlock rlimit", zap.Error(err))
	}

	spec, btfSource, err := loadBTF(cfg, logger)
	if err != nil {
		return nil, err
	}
	layout, err := LayoutFromSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("derive struct layout from %s: %w", btfSource, err)
	}

	m := &kernelManager{
		cfg: cfg,
		opts: kernel.Options{
			Exclude:  exclude,
			PageSize: PageSize(cfg),
			Layout:   layout,
		},
		btfSpec: spec,
		logger:  logger,
	}
	logger.Info("Probe options",
		zap.Uint32s("exclude_tgids", nonZero(exclude)),
		zap.Uint64("page_size", m.opts.PageSize),
		zap.String("btf", btfSource),
	)

	if err := m.init(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// LoadLayout derives the kernel struct layout without loading any probe.
func LoadLayout(cfg *config.EBPFConfig, logger *zap.Logger) (kernel.Layout, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	spec, source, err := loadBTF(cfg, logger.Named("ebpf"))
	if err != nil {
		return kernel.Layout{}, "", err
	}
	layout, err := LayoutFromSpec(spec)
	return layout, source, err
}

// PageSize is the configured override or the running system's page size.
func PageSize(cfg *config.EBPFConfig) uint64 {
	if cfg != nil && cfg.PageSize != 0 {
		return cfg.PageSize
	}
	return uint64(unix.Getpagesize())
}

func loadBTF(cfg *config.EBPFConfig, logger *zap.Logger) (*btf.Spec, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spec, source, err := NewBTFLoader(cfg.BTF, logger).LoadSpec(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("btf load failed: %w", err)
	}
	logger.Debug("Loaded BTF spec", zap.String("source", source))
	return spec, source, nil
}

func (m *kernelManager) init() error {
	spec, path, err := loadCollectionSpec(m.cfg.ProgramPath)
	if err != nil {
		return err
	}
	if err := prepareSpec(spec, m.opts); err != nil {
		return fmt.Errorf("prepare %s: %w", path, err)
	}

	opts := ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{KernelTypes: m.btfSpec},
	}
	if err := spec.LoadAndAssign(&m.objs, &opts); err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			m.logger.Error("Verifier rejected probe", zap.String("log", fmt.Sprintf("%+v", verr)))
		}
		return fmt.Errorf("assign eBPF objects: %w", err)
	}
	m.logger.Info("Loaded probe object", zap.String("path", path))

	if err := m.attachProbes(); err != nil {
		return err
	}

	source, err := NewRingbufSource(m.objs.Events)
	if err != nil {
		return err
	}
	m.source = source
	return nil
}

func (m *kernelManager) attachProbes() error {
	progs := map[string]*ebpf.Program{
		progVfsRead:      m.objs.VfsRead,
		progVfsWrite:     m.objs.VfsWrite,
		progVfsReadv:     m.objs.VfsReadv,
		progVfsWritev:    m.objs.VfsWritev,
		progFilemapFault: m.objs.FilemapFault,
	}

	for _, t := range attachTargets {
		l, err := link.AttachTracing(link.TracingOptions{
			Program:    progs[t.program],
			AttachType: t.typ,
		})
		if err != nil {
			return fmt.Errorf("attach %s to %s: %w", t.program, t.fn, err)
		}
		m.links = append(m.links, l)
		m.logger.Debug("Attached probe", zap.String("program", t.program), zap.String("function", t.fn))
	}
	return nil
}

func (m *kernelManager) Source() channel.Source {
	return m.source
}

func (m *kernelManager) Options() kernel.Options {
	return m.opts
}

// Close detaches probes and frees kernel/user-space resources
func (m *kernelManager) Close() error {
	var errs []error
	if m.source != nil {
		errs = append(errs, m.source.Close())
		m.source = nil
	}

	for _, l := range m.links {
		errs = append(errs, l.Close())
	}
	m.links = nil

	if err := m.objs.Close(); err != nil {
		m.logger.Warn("Object close error", zap.Error(err))
	}
	return errors.Join(errs...)
}

func nonZero(list [kernel.ExcludeSlots]uint32) []uint32 {
	out := make([]uint32, 0, len(list))
	for _, v := range list {
		if v != 0 {
			out = append(out, v)
		}
	}
	return out
}
