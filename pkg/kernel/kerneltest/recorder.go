package kerneltest

import (
	"sync"

	"github.com/saworbit/vfsio/pkg/wire"
)

// Recorder is a kernel.Publisher that keeps every event it is given.
type Recorder struct {
	mu     sync.Mutex
	events []wire.Event
	cpus   []uint32

	// Err, when set, is returned from Output and nothing is recorded.
	Err error
}

// Output implements kernel.Publisher.
func (r *Recorder) Output(cpu uint32, ev *wire.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, *ev)
	r.cpus = append(r.cpus, cpu)
	return nil
}

// Events returns a copy of what has been published.
func (r *Recorder) Events() []wire.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Event(nil), r.events...)
}

// Len reports how many events have been published.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
