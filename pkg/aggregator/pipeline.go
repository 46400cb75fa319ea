package aggregator

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/vfsio/internal/metrics"
	"github.com/saworbit/vfsio/pkg/channel"
	"github.com/saworbit/vfsio/pkg/wire"
)

// Processor consumes drained events.
type Processor interface {
	Process(ctx context.Context, ev *wire.Event) error
}

// PipelineOptions size the hand-off between the drain loop and the workers.
// An event that arrives while QueueSize events are already waiting is
// dropped and counted in vfsio_events_dropped_total{reason="queue_full"}.
type PipelineOptions struct {
	QueueSize int
	Workers   int
}

// Pipeline drains a source and fans events out to a worker pool. The drain
// loop never waits on enrichment: when the queue is full the event is
// dropped and counted.
type Pipeline struct {
	src     channel.Source
	proc    Processor
	opts    PipelineOptions
	logger  *zap.Logger
	dropped atomic.Uint64
}

// NewPipeline wires a source to a processor.
func NewPipeline(src channel.Source, proc Processor, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{src: src, proc: proc, opts: opts, logger: logger.Named("pipeline")}
}

// Run drains until ctx is done or the source is closed, then lets the workers
// finish what is queued. Cancellation is a clean stop and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	queue := make(chan wire.Event, p.opts.QueueSize)

	var g errgroup.Group
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.work(ctx, queue)
			return nil
		})
	}

	stop := context.AfterFunc(ctx, func() { _ = p.src.Close() })
	defer stop()

	err := channel.Drain(ctx, p.src, func(ev *wire.Event) {
		metrics.EventsReceived.Inc()
		select {
		case queue <- *ev:
		default:
			p.dropped.Add(1)
			metrics.ObserveDrop("queue_full")
		}
	}, channel.OnRecordError(func(err error) {
		metrics.ObserveDrop("decode")
		p.logger.Warn("Undecodable event record", zap.Error(err))
	}))

	close(queue)
	_ = g.Wait()

	if err != nil && !errors.Is(err, ctx.Err()) {
		p.logger.Error("Event drain failed", zap.Error(err))
		return err
	}
	return nil
}

func (p *Pipeline) work(ctx context.Context, queue <-chan wire.Event) {
	for ev := range queue {
		if err := p.proc.Process(ctx, &ev); err != nil {
			p.logger.Debug("Event processing failed", zap.Error(err))
		}
	}
}

// Dropped is the number of events refused because the queue was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }
