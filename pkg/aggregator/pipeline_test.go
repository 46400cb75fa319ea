package aggregator

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saworbit/vfsio/internal/metrics"
	"github.com/saworbit/vfsio/pkg/channel"
	"github.com/saworbit/vfsio/pkg/wire"
)

type countingProcessor struct {
	mu     sync.Mutex
	bytes  uint64
	events int
	gate   chan struct{}
}

func (p *countingProcessor) Process(_ context.Context, ev *wire.Event) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytes += ev.Bytes
	p.events++
	return nil
}

func (p *countingProcessor) snapshot() (int, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events, p.bytes
}

func TestPipelineProcessesEverything(t *testing.T) {
	ring, err := channel.NewRing(2, 64)
	require.NoError(t, err)
	proc := &countingProcessor{}
	p := NewPipeline(ring, proc, PipelineOptions{QueueSize: 256, Workers: 4}, zaptest.NewLogger(t))

	for i := 0; i < 50; i++ {
		require.NoError(t, ring.Publish(uint32(i%2), &wire.Event{Bytes: 10}))
	}
	require.NoError(t, ring.Close())

	require.NoError(t, p.Run(context.Background()))
	events, total := proc.snapshot()
	assert.Equal(t, 50, events)
	assert.Equal(t, uint64(500), total)
	assert.Zero(t, p.Dropped())
}

func TestPipelineDropsWhenQueueIsFull(t *testing.T) {
	ring, err := channel.NewRing(1, 64)
	require.NoError(t, err)
	proc := &countingProcessor{gate: make(chan struct{})}
	p := NewPipeline(ring, proc, PipelineOptions{QueueSize: 1, Workers: 1}, zaptest.NewLogger(t))
	queueFull := metrics.EventsDropped.WithLabelValues("queue_full")
	before := testutil.ToFloat64(queueFull)

	for i := 0; i < 10; i++ {
		require.NoError(t, ring.Publish(0, &wire.Event{Bytes: 1}))
	}
	require.NoError(t, ring.Close())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.Dropped() >= 8 }, time.Second, time.Millisecond)
	close(proc.gate)
	require.NoError(t, <-done)

	events, _ := proc.snapshot()
	assert.Equal(t, 10, events+int(p.Dropped()))
	assert.Equal(t, float64(p.Dropped()), testutil.ToFloat64(queueFull)-before)
}

func TestPipelineStopsOnCancel(t *testing.T) {
	ring, err := channel.NewRing(1, 8)
	require.NoError(t, err)
	p := NewPipeline(ring, &countingProcessor{}, PipelineOptions{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestTracerLine(t *testing.T) {
	src := &fakeSource{devices: map[[2]uint32]string{{8, 1}: "sda1"}}
	var out bytes.Buffer
	tr, err := NewTracer(src, &out)
	require.NoError(t, err)

	ev := appWrite()
	ev.Bytes = 1536
	require.NoError(t, tr.Process(context.Background(), ev))

	fields := strings.Fields(out.String())
	assert.Equal(t, []string{
		"VfsWrite", "-rw-r--r--", "500", ":500", "app", "1.5K", "sda1", "regular_file", "/var/log/app.log",
	}, fields)
}

func TestInodeDescription(t *testing.T) {
	const (
		anon   = 0x09041934
		pipefs = 0x50495045
		ext4   = 0xef53
	)
	assert.Equal(t, "pipe", InodeDescription(pipefs, 0o010600))
	assert.Equal(t, "regular_file", InodeDescription(ext4, 0o100644))
	assert.Equal(t, "dir", InodeDescription(ext4, 0o040755))
	assert.Equal(t, "anon_inode:[anon_inode_file]", InodeDescription(anon, 0o100600))
	assert.Equal(t, "socket", InodeDescription(anon, 0o140777))
	assert.Equal(t, "anon_inode:[unknown]", InodeDescription(anon, 0))
	assert.Equal(t, "magic:0x1234", InodeDescription(0x1234, 0))
}

func TestHumanSizeAndModeString(t *testing.T) {
	assert.Equal(t, "0B", HumanSize(0))
	assert.Equal(t, "1023B", HumanSize(1023))
	assert.Equal(t, "1.0K", HumanSize(1024))
	assert.Equal(t, "4.0M", HumanSize(4<<20))

	assert.Equal(t, "drwxr-xr-x", ModeString(0o040755))
	assert.Equal(t, "crw-rw-rw-", ModeString(0o020666))
	assert.Equal(t, "?---------", ModeString(0))
}
