// Package channel carries events from the probe handlers to user space.
//
// Ring is the in-process channel: one fixed-capacity slot per producing core
// and a single consumer. Source is the consumer contract shared with the
// kernel ring buffer reader in pkg/ebpf, and Drain is the loop over it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/saworbit/vfsio/pkg/wire"
)

var (
	// ErrFull is returned by Publish when the core's slot has no room. The
	// event is dropped.
	ErrFull = errors.New("event channel full")

	// ErrClosed is returned once the channel has been closed.
	ErrClosed = errors.New("event channel closed")
)

type slot struct {
	head atomic.Uint64 // next index the consumer reads
	tail atomic.Uint64 // next index the producer writes
	buf  []wire.Event
	mask uint64
}

// Ring is a multi-core, single-consumer event channel. Each core publishes
// only into its own slot, so producers never contend with each other. Events
// from one core are delivered in order; there is no ordering across cores.
type Ring struct {
	slots  []slot
	ready  chan struct{}
	done   chan struct{}
	once   sync.Once
	cursor int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewRing creates a ring with cpus slots of perCPU entries each. perCPU is
// rounded up to a power of two.
func NewRing(cpus, perCPU int) (*Ring, error) {
	if cpus < 1 {
		return nil, fmt.Errorf("ring needs at least one cpu, got %d", cpus)
	}
	if perCPU < 1 {
		return nil, fmt.Errorf("ring slot capacity must be positive, got %d", perCPU)
	}

	size := uint64(1)
	for size < uint64(perCPU) {
		size <<= 1
	}

	r := &Ring{
		slots: make([]slot, cpus),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for i := range r.slots {
		r.slots[i].buf = make([]wire.Event, size)
		r.slots[i].mask = size - 1
	}
	return r, nil
}

// Publish copies ev into cpu's slot without blocking. Only one goroutine may
// publish for a given cpu at a time.
func (r *Ring) Publish(cpu uint32, ev *wire.Event) error {
	if int(cpu) >= len(r.slots) {
		return fmt.Errorf("publish on cpu %d: ring has %d slots", cpu, len(r.slots))
	}
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	s := &r.slots[cpu]
	tail := s.tail.Load()
	if tail-s.head.Load() > s.mask {
		r.dropped.Add(1)
		return ErrFull
	}
	s.buf[tail&s.mask] = *ev
	s.tail.Store(tail + 1)
	r.published.Add(1)

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return nil
}

// Output lets a Ring stand in for the kernel's event channel.
func (r *Ring) Output(cpu uint32, ev *wire.Event) error {
	return r.Publish(cpu, ev)
}

// Wait blocks until at least one publish happened since the last Wait, the
// ring is closed, or ctx is done.
func (r *Ring) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next pops one event into ev. It never blocks and reports false when every
// slot is empty. Slots are visited round-robin so a busy core cannot starve
// the others.
func (r *Ring) Next(ev *wire.Event) (bool, error) {
	n := len(r.slots)
	for i := 0; i < n; i++ {
		s := &r.slots[(r.cursor+i)%n]
		head := s.head.Load()
		if head == s.tail.Load() {
			continue
		}
		*ev = s.buf[head&s.mask]
		s.head.Store(head + 1)
		r.cursor = (r.cursor + i + 1) % n
		return true, nil
	}
	return false, nil
}

// Close wakes any waiter. Events already published can still be drained.
func (r *Ring) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// Len is the number of events waiting across all slots.
func (r *Ring) Len() int {
	var n uint64
	for i := range r.slots {
		s := &r.slots[i]
		n += s.tail.Load() - s.head.Load()
	}
	return int(n)
}

// Published is the number of events accepted since creation.
func (r *Ring) Published() uint64 { return r.published.Load() }

// Dropped is the number of events refused with ErrFull.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }
