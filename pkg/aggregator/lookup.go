package aggregator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// ErrNoDevName is returned when a block device's uevent has no DEVNAME.
var ErrNoDevName = errors.New("uevent has no DEVNAME")

// Lookups reads process and device metadata from /proc and /sys.
type Lookups struct {
	proc    procfs.FS
	sysRoot string
}

// NewLookups binds lookups to the given /proc and /sys mount points.
func NewLookups(procRoot, sysRoot string) (*Lookups, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	return &Lookups{proc: fs, sysRoot: sysRoot}, nil
}

// CommandName returns argv[0] of tgid. An empty command line, as kernel
// threads have, is reported as an error.
func (l *Lookups) CommandName(tgid uint32) (string, error) {
	p, err := l.proc.Proc(int(tgid))
	if err != nil {
		return "", err
	}
	args, err := p.CmdLine()
	if err != nil {
		return "", fmt.Errorf("read cmdline of %d: %w", tgid, err)
	}
	if len(args) == 0 || args[0] == "" {
		return "", fmt.Errorf("empty cmdline for %d", tgid)
	}
	return args[0], nil
}

// DeviceName returns the DEVNAME of block device major:minor.
func (l *Lookups) DeviceName(major, minor uint32) (string, error) {
	path := filepath.Join(l.sysRoot, "dev", "block", fmt.Sprintf("%d:%d", major, minor), "uevent")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "DEVNAME="); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrNoDevName)
}

// Parent returns the parent pid of pid.
func (l *Lookups) Parent(pid int) (int, error) {
	p, err := l.proc.Proc(pid)
	if err != nil {
		return 0, err
	}
	st, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("read stat of %d: %w", pid, err)
	}
	return st.PPID, nil
}
