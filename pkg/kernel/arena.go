package kernel

const (
	// MaxBufLen is the capacity available to a resolved path.
	MaxBufLen = 4096

	// ScratchSize adds one maximum-length name of slack past MaxBufLen so a
	// prepend that starts at any masked offset stays inside the buffer.
	ScratchSize = MaxBufLen + 256
)

// Scratch is one core's path buffer.
type Scratch [ScratchSize]byte

// Scratcher hands out the scratch buffer owned by a CPU. A slot is used by
// exactly one resolution at a time: a probe runs to completion on its core
// before the next one starts, so slots are never locked and must never be
// shared across cores.
type Scratcher interface {
	Slot(cpu uint32) (*Scratch, error)
}

// Arena is a core-indexed set of scratch buffers, the user-space analogue of
// a per-CPU array map with a single entry.
type Arena struct {
	slots []Scratch
}

// NewArena allocates one scratch buffer per CPU.
func NewArena(cpus int) *Arena {
	if cpus < 1 {
		cpus = 1
	}
	return &Arena{slots: make([]Scratch, cpus)}
}

// Slot returns the buffer owned by cpu.
func (a *Arena) Slot(cpu uint32) (*Scratch, error) {
	if int(cpu) >= len(a.slots) {
		return nil, ErrNoScratch
	}
	return &a.slots[cpu], nil
}

// CPUs reports how many slots the arena holds.
func (a *Arena) CPUs() int {
	return len(a.slots)
}
