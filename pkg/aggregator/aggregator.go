// Package aggregator turns raw file I/O events into labelled byte counts.
//
// Each event is enriched with the command name of its process, the name of
// its block device, its filesystem type and its file type. All four come
// from bounded caches so the hot path rarely touches /proc or /sys.
package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saworbit/vfsio/internal/metrics"
	"github.com/saworbit/vfsio/pkg/identity"
	"github.com/saworbit/vfsio/pkg/wire"
)

// Cache names as used in telemetry.
const (
	CacheCmd      = "cmd"
	CacheDevice   = "dev_name"
	CacheFsType   = "fs_type"
	CacheFileType = "file_type"
)

// Source of process and device metadata.
type Source interface {
	CommandName(tgid uint32) (string, error)
	DeviceName(major, minor uint32) (string, error)
}

// Counter receives the enriched increments.
type Counter interface {
	Add(labels *metrics.IOLabels, bytes uint64)
}

// CacheLimits bound one enrichment cache.
type CacheLimits struct {
	Capacity int
	TTI      time.Duration
	TTL      time.Duration
}

// Options configure an Aggregator.
type Options struct {
	Cmd      CacheLimits
	Device   CacheLimits
	FsType   CacheLimits
	FileType CacheLimits

	Clock clock.Clock
}

// DefaultOptions mirror the limits the caches were tuned with: many
// processes, few devices and filesystems.
func DefaultOptions() Options {
	limits := func(capacity int) CacheLimits {
		return CacheLimits{Capacity: capacity, TTI: 5 * time.Second, TTL: 10 * time.Second}
	}
	return Options{
		Cmd:      limits(10000),
		Device:   limits(100),
		FsType:   limits(100),
		FileType: limits(100),
	}
}

// Aggregator enriches events and feeds the io counter. It is safe for
// concurrent use.
type Aggregator struct {
	src     Source
	counter Counter
	machine identity.Machine
	ips     string
	logger  *zap.Logger

	cmd      *Cache[uint32, string]
	device   *Cache[uint32, string]
	fsType   *Cache[uint64, string]
	fileType *Cache[uint32, string]
}

// New builds an aggregator.
func New(src Source, counter Counter, machine identity.Machine, opts Options, logger *zap.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		src:     src,
		counter: counter,
		machine: machine,
		ips:     machine.IPString(),
		logger:  logger.Named("aggregator"),
	}

	var err error
	if a.cmd, err = newCache[uint32](CacheCmd, opts.Cmd, opts.Clock); err != nil {
		return nil, err
	}
	if a.device, err = newCache[uint32](CacheDevice, opts.Device, opts.Clock); err != nil {
		return nil, err
	}
	if a.fsType, err = newCache[uint64](CacheFsType, opts.FsType, opts.Clock); err != nil {
		return nil, err
	}
	if a.fileType, err = newCache[uint32](CacheFileType, opts.FileType, opts.Clock); err != nil {
		return nil, err
	}
	return a, nil
}

func newCache[K comparable](name string, limits CacheLimits, clk clock.Clock) (*Cache[K, string], error) {
	c, err := NewCache[K, string](CacheOptions{
		Capacity: limits.Capacity,
		TTI:      limits.TTI,
		TTL:      limits.TTL,
		Clock:    clk,
		OnLookup: func(outcome string) { metrics.ObserveCacheLookup(name, outcome) },
		OnEvict:  func(reason string) { metrics.ObserveCacheEviction(name, reason) },
	})
	if err != nil {
		return nil, fmt.Errorf("%s cache: %w", name, err)
	}
	return c, nil
}

// Process accounts one event.
func (a *Aggregator) Process(_ context.Context, ev *wire.Event) error {
	labels := a.Labels(ev)
	a.counter.Add(&labels, ev.Bytes)
	metrics.EventsProcessed.Inc()
	return nil
}

// Labels computes the io label set of ev.
func (a *Aggregator) Labels(ev *wire.Event) metrics.IOLabels {
	perms := PermissionsOf(ev.IMode)
	return metrics.IOLabels{
		Path:        ev.Path(),
		Cmd:         a.commandName(ev),
		DevName:     a.deviceName(ev),
		FsType:      a.fsType.Get(ev.SMagic, FsTypeName),
		FileType:    a.fileType.Get(FileTypeClass(ev.IMode), FileTypeName),
		PermsOwner:  perms.Owner.String(),
		PermsGroup:  perms.Group.String(),
		PermsOthers: perms.Others.String(),
		Setuid:      strconv.FormatBool(perms.Setuid),
		Setgid:      strconv.FormatBool(perms.Setgid),
		Sticky:      strconv.FormatBool(perms.Sticky),
		Syscall:     ev.Syscall(),
		Direction:   ev.Direction(),
		TypeName:    ev.TypeName(),
		IPs:         a.ips,
		Hostname:    a.machine.Hostname,
		MachineID:   a.machine.ID,
	}
}

func (a *Aggregator) commandName(ev *wire.Event) string {
	return a.cmd.Get(ev.Tgid, func(tgid uint32) string {
		name, err := a.src.CommandName(tgid)
		if err != nil {
			a.logger.Debug("Command name unavailable, using comm",
				zap.Uint32("tgid", tgid), zap.Error(err))
			return ev.Comm()
		}
		return name
	})
}

func (a *Aggregator) deviceName(ev *wire.Event) string {
	return a.device.Get(ev.Dev, func(uint32) string {
		major, minor := ev.Major(), ev.Minor()
		name, err := a.src.DeviceName(major, minor)
		if err != nil {
			a.logger.Debug("Device name unavailable",
				zap.Uint32("major", major), zap.Uint32("minor", minor), zap.Error(err))
			return fmt.Sprintf("%d:%d", major, minor)
		}
		return name
	})
}
