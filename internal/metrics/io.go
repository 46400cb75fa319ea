package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// IOLabelNames are the labels of the io counter, in value order.
var IOLabelNames = []string{
	"path",
	"cmd",
	"dev_name",
	"fs_type",
	"file_type",
	"perms_owner",
	"perms_group",
	"perms_others",
	"setuid",
	"setgid",
	"sticky",
	"syscall",
	"direction",
	"type_name",
	"ips",
	"hostname",
	"machine_id",
}

// IOLabels is one label set of the io counter.
type IOLabels struct {
	Path        string
	Cmd         string
	DevName     string
	FsType      string
	FileType    string
	PermsOwner  string
	PermsGroup  string
	PermsOthers string
	Setuid      string
	Setgid      string
	Sticky      string
	Syscall     string
	Direction   string
	TypeName    string
	IPs         string
	Hostname    string
	MachineID   string
}

// Values returns the label values in IOLabelNames order.
func (l *IOLabels) Values() []string {
	return []string{
		l.Path, l.Cmd, l.DevName, l.FsType, l.FileType,
		l.PermsOwner, l.PermsGroup, l.PermsOthers,
		l.Setuid, l.Setgid, l.Sticky,
		l.Syscall, l.Direction, l.TypeName,
		l.IPs, l.Hostname, l.MachineID,
	}
}

// IOCounter is the io byte counter. Label sets that receive no increment for
// the idle timeout are deleted so short-lived paths and processes do not
// accumulate forever.
type IOCounter struct {
	vec   *prometheus.CounterVec
	clock clock.Clock
	idle  time.Duration

	mu   sync.Mutex
	seen map[string]series
}

type series struct {
	values []string
	last   time.Time
}

// NewIOCounter registers the io counter on reg. A zero idle timeout keeps
// every series.
func NewIOCounter(reg prometheus.Registerer, idle time.Duration, clk clock.Clock) (*IOCounter, error) {
	if clk == nil {
		clk = clock.New()
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "io",
		Help: "Bytes moved by file I/O",
	}, IOLabelNames)
	if err := reg.Register(vec); err != nil {
		return nil, err
	}
	return &IOCounter{
		vec:   vec,
		clock: clk,
		idle:  idle,
		seen:  make(map[string]series),
	}, nil
}

// Add increments the series for labels by bytes.
func (c *IOCounter) Add(labels *IOLabels, bytes uint64) {
	values := labels.Values()
	if c.idle <= 0 {
		c.vec.WithLabelValues(values...).Add(float64(bytes))
		return
	}

	key := strings.Join(values, "\xff")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vec.WithLabelValues(values...).Add(float64(bytes))
	c.seen[key] = series{values: values, last: c.clock.Now()}
}

// Expire deletes series idle for at least the idle timeout and returns how
// many were removed.
func (c *IOCounter) Expire() int {
	if c.idle <= 0 {
		return 0
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, s := range c.seen {
		if now.Sub(s.last) < c.idle {
			continue
		}
		c.vec.DeleteLabelValues(s.values...)
		delete(c.seen, key)
		removed++
	}
	if removed > 0 {
		SeriesExpired.Add(float64(removed))
	}
	return removed
}

// Run expires idle series until ctx is done.
func (c *IOCounter) Run(ctx context.Context) {
	if c.idle <= 0 {
		<-ctx.Done()
		return
	}

	interval := c.idle / 2
	if interval <= 0 {
		interval = c.idle
	}
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Expire()
		}
	}
}
