package ebpf

import (
	"errors"

	"github.com/saworbit/vfsio/pkg/channel"
	"github.com/saworbit/vfsio/pkg/kernel"
)

// ErrUnsupported is returned when the current platform cannot host eBPF programs
var ErrUnsupported = errors.New("eBPF file I/O probes are only supported on Linux kernels >= 5.8 with BTF")

// ObjectName is the file name of the compiled probe object.
const ObjectName = "vfsio.bpf.o"

// Map and program names inside the probe object.
const (
	mapEvents  = "events"
	mapScratch = "scratch"
	mapConfig  = "config"

	progVfsRead      = "vfsio_vfs_read"
	progVfsWrite     = "vfsio_vfs_write"
	progVfsReadv     = "vfsio_vfs_readv"
	progVfsWritev    = "vfsio_vfs_writev"
	progFilemapFault = "vfsio_filemap_fault"
)

// Manager owns the loaded probes and hands out their event stream.
type Manager interface {
	// Source is the consumer side of the kernel ring buffer.
	Source() channel.Source
	// Options are the load-time constants the probes were built with.
	Options() kernel.Options
	Close() error
}
