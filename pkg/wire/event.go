// Package wire defines the fixed-layout record exchanged between the
// privileged probe handlers and the user-space aggregator.
//
// The layout is frozen: both sides must agree byte for byte, so any change to
// a field, its width or its offset is a breaking wire change.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Size is the byte length of a serialized Event.
	Size = 320

	CommLen = 16
	PathLen = 256

	offInode     = 0
	offBytes     = 8
	offTid       = 16
	offTgid      = 20
	offDev       = 24
	offEventType = 28
	offComm      = 32
	offSMagic    = 48
	offIMode     = 56
	offPad       = 58
	offPath      = 64
)

// ErrShortRecord is returned when a raw sample is smaller than Size.
var ErrShortRecord = errors.New("short event record")

// Event is one observed file access. Layout must stay in sync with the
// offsets above and with the privileged program.
type Event struct {
	Inode     uint64
	Bytes     uint64
	Tid       uint32
	Tgid      uint32
	Dev       uint32
	EventType uint32
	RawComm   [CommLen]byte
	SMagic    uint64
	IMode     uint16
	_         [6]byte
	RawPath   [PathLen]byte
}

// Decode parses a raw ring buffer sample into ev.
func Decode(raw []byte, ev *Event) error {
	if len(raw) < Size {
		return fmt.Errorf("%w: got=%d want>=%d", ErrShortRecord, len(raw), Size)
	}
	le := binary.LittleEndian
	ev.Inode = le.Uint64(raw[offInode:])
	ev.Bytes = le.Uint64(raw[offBytes:])
	ev.Tid = le.Uint32(raw[offTid:])
	ev.Tgid = le.Uint32(raw[offTgid:])
	ev.Dev = le.Uint32(raw[offDev:])
	ev.EventType = le.Uint32(raw[offEventType:])
	copy(ev.RawComm[:], raw[offComm:offComm+CommLen])
	ev.SMagic = le.Uint64(raw[offSMagic:])
	ev.IMode = le.Uint16(raw[offIMode:])
	copy(ev.RawPath[:], raw[offPath:offPath+PathLen])
	return nil
}

// Encode writes ev into dst, which must hold at least Size bytes. Padding
// bytes are always zeroed.
func (e *Event) Encode(dst []byte) error {
	if len(dst) < Size {
		return fmt.Errorf("%w: buffer=%d want>=%d", ErrShortRecord, len(dst), Size)
	}
	le := binary.LittleEndian
	le.PutUint64(dst[offInode:], e.Inode)
	le.PutUint64(dst[offBytes:], e.Bytes)
	le.PutUint32(dst[offTid:], e.Tid)
	le.PutUint32(dst[offTgid:], e.Tgid)
	le.PutUint32(dst[offDev:], e.Dev)
	le.PutUint32(dst[offEventType:], e.EventType)
	copy(dst[offComm:offComm+CommLen], e.RawComm[:])
	le.PutUint64(dst[offSMagic:], e.SMagic)
	le.PutUint16(dst[offIMode:], e.IMode)
	clear(dst[offPad:offPath])
	copy(dst[offPath:offPath+PathLen], e.RawPath[:])
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *Event) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	if err := e.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Event) UnmarshalBinary(data []byte) error {
	return Decode(data, e)
}

// Type returns the validated event type.
func (e *Event) Type() EventType {
	return ParseEventType(e.EventType)
}

// Comm returns the process name snapshot taken at event time.
func (e *Event) Comm() string {
	return cString(e.RawComm[:])
}

// Path returns the resolved, possibly truncated, file path.
func (e *Event) Path() string {
	return cString(e.RawPath[:])
}

// SetComm copies name into the comm field, truncating to CommLen-1 bytes so
// the field stays NUL-terminated.
func (e *Event) SetComm(name string) {
	clear(e.RawComm[:])
	copy(e.RawComm[:CommLen-1], name)
}

// SetPath copies p into the path field, keeping the trailing PathLen bytes
// when p does not fit.
func (e *Event) SetPath(p []byte) {
	clear(e.RawPath[:])
	if len(p) > PathLen {
		p = p[len(p)-PathLen:]
	}
	copy(e.RawPath[:], p)
}

// Major returns the major number of the kernel-internal dev_t.
func (e *Event) Major() uint32 {
	return (e.Dev >> 20) & 0xfff
}

// Minor returns the minor number of the kernel-internal dev_t.
func (e *Event) Minor() uint32 {
	return e.Dev & 0xfffff
}

// Syscall names the instrumented entry point that produced the event.
func (e *Event) Syscall() string {
	return e.Type().Syscall()
}

// Direction reports whether data moved towards the process ("read") or
// away from it ("write").
func (e *Event) Direction() string {
	return e.Type().Direction()
}

// TypeName is the event type's display name.
func (e *Event) TypeName() string {
	return e.Type().String()
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
