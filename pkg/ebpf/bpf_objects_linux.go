//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"

	"github.com/saworbit/vfsio/pkg/kernel"
)

// bpfObjects mirrors the maps and programs compiled into vfsio.bpf.o.
type bpfObjects struct {
	Events  *ebpf.Map `ebpf:"events"`
	Scratch *ebpf.Map `ebpf:"scratch"`
	Config  *ebpf.Map `ebpf:"config"`

	VfsRead      *ebpf.Program `ebpf:"vfsio_vfs_read"`
	VfsWrite     *ebpf.Program `ebpf:"vfsio_vfs_write"`
	VfsReadv     *ebpf.Program `ebpf:"vfsio_vfs_readv"`
	VfsWritev    *ebpf.Program `ebpf:"vfsio_vfs_writev"`
	FilemapFault *ebpf.Program `ebpf:"vfsio_filemap_fault"`
}

func (o *bpfObjects) Close() error {
	if o == nil {
		return nil
	}

	var errs []error
	for _, m := range []*ebpf.Map{o.Events, o.Scratch, o.Config} {
		if m != nil {
			errs = append(errs, m.Close())
		}
	}
	for _, p := range []*ebpf.Program{o.VfsRead, o.VfsWrite, o.VfsReadv, o.VfsWritev, o.FilemapFault} {
		if p != nil {
			errs = append(errs, p.Close())
		}
	}
	return errors.Join(errs...)
}

// attachTarget is the kernel function a program traces.
type attachTarget struct {
	program string
	fn      string
	typ     ebpf.AttachType
}

var attachTargets = []attachTarget{
	{progVfsRead, "vfs_read", ebpf.AttachTraceFEntry},
	{progVfsWrite, "vfs_write", ebpf.AttachTraceFEntry},
	{progVfsReadv, "vfs_readv", ebpf.AttachTraceFEntry},
	{progVfsWritev, "vfs_writev", ebpf.AttachTraceFEntry},
	{progFilemapFault, "filemap_fault", ebpf.AttachTraceFExit},
}

// objectCandidates lists where the probe object is looked for when no path
// is configured: next to the binary, then the install prefix, then the
// build tree.
func objectCandidates(configured string) []string {
	if configured != "" {
		return []string{configured}
	}

	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), ObjectName))
	}
	return append(paths,
		filepath.Join("/usr/lib/vfsio", ObjectName),
		filepath.Join("bpf", "build", ObjectName),
	)
}

func loadCollectionSpec(configured string) (*ebpf.CollectionSpec, string, error) {
	var lastErr error
	for _, path := range objectCandidates(configured) {
		if _, err := os.Stat(path); err != nil {
			lastErr = err
			continue
		}
		spec, err := ebpf.LoadCollectionSpec(path)
		if err != nil {
			return nil, "", fmt.Errorf("load eBPF spec (%s): %w", path, err)
		}
		return spec, path, nil
	}
	return nil, "", fmt.Errorf("eBPF object %s not found: %w", ObjectName, lastErr)
}

// prepareSpec fixes the attach points and bakes opts into the config map so
// the probes see them from their first invocation. The map is frozen on load.
func prepareSpec(spec *ebpf.CollectionSpec, opts kernel.Options) error {
	for _, t := range attachTargets {
		ps, ok := spec.Programs[t.program]
		if !ok {
			return fmt.Errorf("eBPF object missing program %q", t.program)
		}
		ps.Type = ebpf.Tracing
		ps.AttachType = t.typ
		ps.AttachTo = t.fn
	}

	for _, name := range []string{mapEvents, mapScratch} {
		if _, ok := spec.Maps[name]; !ok {
			return fmt.Errorf("eBPF object missing map %q", name)
		}
	}

	cfg, ok := spec.Maps[mapConfig]
	if !ok {
		return fmt.Errorf("eBPF object missing map %q", mapConfig)
	}
	cfg.Contents = []ebpf.MapKV{{Key: uint32(0), Value: opts}}
	cfg.Freeze = true
	return nil
}
