//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/saworbit/vfsio/pkg/channel"
	"github.com/saworbit/vfsio/pkg/wire"
)

var _ channel.Source = (*RingbufSource)(nil)

type recordReader interface {
	ReadInto(rec *ringbuf.Record) error
	SetDeadline(t time.Time)
	Close() error
}

// RingbufSource drains the kernel ring buffer. A blocking read stands in for
// readiness and reads past an expired deadline drain what is already
// committed, so the drain loop never spins on an empty buffer.
//
// Wait and Next must be called from one goroutine. Close may be called from
// any goroutine and unblocks a pending Wait.
type RingbufSource struct {
	rd      recordReader
	rec     ringbuf.Record
	pending bool
}

// NewRingbufSource opens a reader over a BPF_MAP_TYPE_RINGBUF map.
func NewRingbufSource(events *ebpf.Map) (*RingbufSource, error) {
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return nil, fmt.Errorf("create ring buffer reader: %w", err)
	}
	return &RingbufSource{rd: rd}, nil
}

// Wait blocks until a record has been committed or the reader is closed.
// The record is kept and returned by the next call to Next.
func (s *RingbufSource) Wait(ctx context.Context) error {
	if s.pending {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.rd.SetDeadline(time.Time{})
	if err := s.read(); err != nil {
		return err
	}
	s.pending = true
	return nil
}

// Next decodes the next committed record into ev without blocking.
func (s *RingbufSource) Next(ev *wire.Event) (bool, error) {
	if !s.pending {
		s.rd.SetDeadline(time.Now())
		err := s.read()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	s.pending = false

	if err := wire.Decode(s.rec.RawSample, ev); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RingbufSource) read() error {
	err := s.rd.ReadInto(&s.rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ringbuf.ErrClosed):
		return channel.ErrClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return err
	default:
		return fmt.Errorf("read ring buffer: %w", err)
	}
}

// Close releases the reader. Records not yet drained are lost.
func (s *RingbufSource) Close() error {
	return s.rd.Close()
}
