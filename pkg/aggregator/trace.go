package aggregator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/saworbit/vfsio/pkg/wire"
)

var pseudoFsDesc = map[uint64]string{
	unix.ANON_INODE_FS_MAGIC:   "anon_inode",
	unix.PIPEFS_MAGIC:          "pipe",
	unix.SOCKFS_MAGIC:          "socket",
	unix.TMPFS_MAGIC:           "tmpfs",
	unix.DEVPTS_SUPER_MAGIC:    "devpts",
	unix.PROC_SUPER_MAGIC:      "proc",
	unix.SYSFS_MAGIC:           "sysfs",
	unix.DEBUGFS_MAGIC:         "debugfs",
	unix.SECURITYFS_MAGIC:      "securityfs",
	unix.CGROUP2_SUPER_MAGIC:   "cgroup2",
	unix.BPF_FS_MAGIC:          "bpf",
	unix.HUGETLBFS_MAGIC:       "hugetlbfs",
	unix.NSFS_MAGIC:            "ns",
	unix.OVERLAYFS_SUPER_MAGIC: "overlay",
	unix.RAMFS_MAGIC:           "ramfs",
	unix.SELINUX_MAGIC:         "selinux",
	unix.SMACK_MAGIC:           "smack",
	unix.TRACEFS_MAGIC:         "tracefs",
	unix.BTRFS_SUPER_MAGIC:     "btrfs",
}

var modeDesc = map[uint32]string{
	unix.S_IFIFO:  "fifo",
	unix.S_IFCHR:  "char_dev",
	unix.S_IFDIR:  "dir",
	unix.S_IFBLK:  "block_dev",
	unix.S_IFREG:  "regular_file",
	unix.S_IFLNK:  "symlink",
	unix.S_IFSOCK: "socket",
}

// InodeDescription names what an inode is: the pseudo filesystem it lives on
// when that says enough, otherwise its file type.
func InodeDescription(magic uint64, mode uint16) string {
	anon := magic == unix.ANON_INODE_FS_MAGIC
	if desc, ok := pseudoFsDesc[magic]; ok && !anon {
		return desc
	}

	class := FileTypeClass(mode)
	desc, ok := modeDesc[class]
	switch {
	case ok && anon && class == unix.S_IFREG:
		return "anon_inode:[anon_inode_file]"
	case ok && anon && class != unix.S_IFSOCK:
		return "anon_inode:[" + desc + "]"
	case ok:
		return desc
	case anon:
		return "anon_inode:[unknown]"
	default:
		return fmt.Sprintf("magic:0x%x", magic)
	}
}

// HumanSize renders a byte count with binary units, e.g. "1.5K".
func HumanSize(bytes uint64) string {
	units := []string{"B", "K", "M", "G", "T", "P", "E"}
	val := float64(bytes)
	i := 0
	for val >= 1024 && i < len(units)-1 {
		val /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f%s", val, units[i])
	}
	return fmt.Sprintf("%.1f%s", val, units[i])
}

// Tracer prints one ls -l style line per event instead of counting.
type Tracer struct {
	src     Source
	devices *Cache[uint32, string]

	mu  sync.Mutex
	out io.Writer
}

// NewTracer writes event lines to out.
func NewTracer(src Source, out io.Writer) (*Tracer, error) {
	devices, err := NewCache[uint32, string](CacheOptions{Capacity: 256})
	if err != nil {
		return nil, err
	}
	return &Tracer{src: src, devices: devices, out: out}, nil
}

// Line formats ev.
func (t *Tracer) Line(ev *wire.Event) string {
	major, minor := ev.Major(), ev.Minor()
	mode := ModeString(ev.IMode)

	dev := t.devices.Get(ev.Dev, func(uint32) string {
		if name, err := t.src.DeviceName(major, minor); err == nil {
			return name
		}
		return fmt.Sprintf("%d,%d", major, minor)
	})

	var size string
	switch mode[0] {
	case 'c', 'b':
		size = fmt.Sprintf("%d,%d", major, minor)
	case 's', 'p':
		size = "-"
	default:
		size = HumanSize(ev.Bytes)
	}

	return fmt.Sprintf("%-10s %s %-10d:%-10d %-16s %-8s %-10s %-18s %s",
		ev.TypeName(), mode, ev.Tgid, ev.Tid, ev.Comm(), size, dev,
		InodeDescription(ev.SMagic, ev.IMode), ev.Path())
}

// Process writes the line for ev.
func (t *Tracer) Process(_ context.Context, ev *wire.Event) error {
	line := t.Line(ev)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.out, line)
	return err
}
