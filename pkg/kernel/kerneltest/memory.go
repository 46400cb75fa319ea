// Package kerneltest simulates just enough of a kernel address space to drive
// the probe handlers and the path resolver from ordinary Go tests.
package kerneltest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/saworbit/vfsio/pkg/kernel"
)

const (
	kernelBase kernel.Addr = 0xffff888000001000
	userBase   kernel.Addr = 0x00007f0000001000

	// gap keeps neighbouring allocations apart so reads that run off the end
	// of an object fault instead of landing in the next one.
	gap = 64
)

type region struct {
	base kernel.Addr
	data []byte
	user bool
}

// Space is a sparse address space with separate kernel and user halves.
// Reads that are not fully inside one allocation of the right half fault.
type Space struct {
	mu       sync.Mutex
	regions  []*region
	nextKern kernel.Addr
	nextUser kernel.Addr
	poison   map[kernel.Addr]struct{}
	reads    int
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{
		nextKern: kernelBase,
		nextUser: userBase,
		poison:   make(map[kernel.Addr]struct{}),
	}
}

// Alloc reserves size zeroed bytes of kernel memory.
func (s *Space) Alloc(size int) kernel.Addr {
	return s.alloc(size, false)
}

// AllocUser reserves size zeroed bytes of user memory.
func (s *Space) AllocUser(size int) kernel.Addr {
	return s.alloc(size, true)
}

func (s *Space) alloc(size int, user bool) kernel.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &s.nextKern
	if user {
		next = &s.nextUser
	}
	r := &region{base: *next, data: make([]byte, size), user: user}
	*next += kernel.Addr((size+gap+15)&^15) + gap
	s.regions = append(s.regions, r)
	return r.base
}

// Poison makes every later read covering addr fault.
func (s *Space) Poison(addr kernel.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poison[addr] = struct{}{}
}

// Reads returns how many reads have been served or refused so far.
func (s *Space) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// ReadKernel implements kernel.Memory.
func (s *Space) ReadKernel(dst []byte, src kernel.Addr) error {
	return s.read(dst, src, false)
}

// ReadUser implements kernel.Memory.
func (s *Space) ReadUser(dst []byte, src kernel.Addr) error {
	return s.read(dst, src, true)
}

func (s *Space) read(dst []byte, src kernel.Addr, user bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	end := src + kernel.Addr(len(dst))
	for p := range s.poison {
		if p >= src && p < end {
			return fmt.Errorf("%w: poisoned %#x", kernel.ErrFault, p)
		}
	}

	r := s.find(src, len(dst), user)
	if r == nil {
		return fmt.Errorf("%w: %#x+%d", kernel.ErrFault, uint64(src), len(dst))
	}
	off := src - r.base
	copy(dst, r.data[off:off+kernel.Addr(len(dst))])
	return nil
}

func (s *Space) find(addr kernel.Addr, n int, user bool) *region {
	for _, r := range s.regions {
		if r.user != user || addr < r.base {
			continue
		}
		if addr+kernel.Addr(n) <= r.base+kernel.Addr(len(r.data)) {
			return r
		}
	}
	return nil
}

// Write copies b into memory at addr. It panics when addr is not allocated.
func (s *Space) Write(addr kernel.Addr, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.regions {
		if addr >= r.base && addr+kernel.Addr(len(b)) <= r.base+kernel.Addr(len(r.data)) {
			copy(r.data[addr-r.base:], b)
			return
		}
	}
	panic(fmt.Sprintf("kerneltest: write to unmapped %#x", uint64(addr)))
}

func (s *Space) PutU64(addr kernel.Addr, v uint64) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	s.Write(addr, b[:])
}

func (s *Space) PutU32(addr kernel.Addr, v uint32) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	s.Write(addr, b[:])
}

func (s *Space) PutU16(addr kernel.Addr, v uint16) {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	s.Write(addr, b[:])
}

func (s *Space) PutPtr(addr, v kernel.Addr) {
	s.PutU64(addr, uint64(v))
}
