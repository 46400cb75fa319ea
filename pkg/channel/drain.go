package channel

import (
	"context"
	"errors"

	"github.com/saworbit/vfsio/pkg/wire"
)

// Source is the consumer side of an event channel.
type Source interface {
	// Wait blocks until events may be available.
	Wait(ctx context.Context) error
	// Next copies the next event into ev without blocking. It returns false
	// when nothing is pending.
	Next(ev *wire.Event) (bool, error)
	Close() error
}

var (
	_ Source = (*Ring)(nil)
)

// DrainOption tunes Drain.
type DrainOption func(*drainOptions)

type drainOptions struct {
	onRecordError func(error)
}

// OnRecordError is called for records that cannot be decoded. Draining
// continues past them. Without this option they are skipped silently.
func OnRecordError(fn func(error)) DrainOption {
	return func(o *drainOptions) { o.onRecordError = fn }
}

// Drain waits for readiness, hands every pending event to fn until the source
// is empty, then waits again. It returns nil once the source is closed and
// emptied, or ctx's error when ctx ends first.
//
// fn runs on the draining goroutine and the event is reused after it
// returns, so fn must copy what it keeps.
func Drain(ctx context.Context, src Source, fn func(*wire.Event), opts ...DrainOption) error {
	var o drainOptions
	for _, opt := range opts {
		opt(&o)
	}

	var ev wire.Event
	for {
		waitErr := src.Wait(ctx)
		if waitErr != nil && !errors.Is(waitErr, ErrClosed) {
			return waitErr
		}

		if err := drainPending(src, &ev, fn, &o); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		if waitErr != nil {
			return nil
		}
	}
}

func drainPending(src Source, ev *wire.Event, fn func(*wire.Event), o *drainOptions) error {
	for {
		ok, err := src.Next(ev)
		if err != nil {
			if errors.Is(err, wire.ErrShortRecord) {
				if o.onRecordError != nil {
					o.onRecordError(err)
				}
				continue
			}
			return err
		}
		if !ok {
			return nil
		}
		fn(ev)
	}
}
