// Package kernel holds the privileged half of vfsio: the probe handlers and
// the path resolver that run inside the kernel's bounded execution
// environment.
//
// Nothing in this package dereferences kernel addresses directly. Every
// access goes through Memory, a narrow and explicitly fallible read
// capability, so the same code is driven by BPF helpers when built for the
// kernel and by a simulated address space in tests.
package kernel

import (
	"encoding/binary"
	"errors"
)

// Addr is an opaque kernel or user-space address. It is only ever handed
// back to Memory.
type Addr uint64

var (
	// ErrFault reports a kernel or user memory read that could not be
	// satisfied. The current handler invocation must abort on it.
	ErrFault = errors.New("memory read faulted")

	// ErrNoScratch is returned when no scratch slot exists for the CPU.
	ErrNoScratch = errors.New("no scratch buffer for cpu")
)

// Memory is the verified read capability. Implementations fill dst
// completely or return an error wrapping ErrFault.
type Memory interface {
	ReadKernel(dst []byte, src Addr) error
	ReadUser(dst []byte, src Addr) error
}

func readPtr(m Memory, a Addr) (Addr, error) {
	v, err := readU64(m, a)
	return Addr(v), err
}

func readU64(m Memory, a Addr) (uint64, error) {
	var b [8]byte
	if err := m.ReadKernel(b[:], a); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}

func readU32(m Memory, a Addr) (uint32, error) {
	var b [4]byte
	if err := m.ReadKernel(b[:], a); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b[:]), nil
}

func readU16(m Memory, a Addr) (uint16, error) {
	var b [2]byte
	if err := m.ReadKernel(b[:], a); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint16(b[:]), nil
}

func readUserU64(m Memory, a Addr) (uint64, error) {
	var b [8]byte
	if err := m.ReadUser(b[:], a); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}
