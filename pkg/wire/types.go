package wire

import "fmt"

// EventType is the closed set of event kinds carried on the wire.
type EventType uint32

const (
	MmapRead EventType = iota
	MmapWrite
	NullPage
	VfsRead
	VfsWrite
	VfsReadv
	VfsWritev

	// Unknown is never written by the probes; it is what out-of-range
	// values decode to.
	Unknown EventType = 0xffffffff
)

// ParseEventType validates a raw wire value. Anything outside the known
// range becomes Unknown.
func ParseEventType(raw uint32) EventType {
	if raw > uint32(VfsWritev) {
		return Unknown
	}
	return EventType(raw)
}

func (t EventType) String() string {
	switch t {
	case MmapRead:
		return "MmapRead"
	case MmapWrite:
		return "MmapWrite"
	case NullPage:
		return "NullPage"
	case VfsRead:
		return "VfsRead"
	case VfsWrite:
		return "VfsWrite"
	case VfsReadv:
		return "VfsReadv"
	case VfsWritev:
		return "VfsWritev"
	case Unknown:
		return "Unknown"
	default:
		return fmt.Sprintf("EventType(%d)", uint32(t))
	}
}

// Syscall names the kernel function the event was captured from.
func (t EventType) Syscall() string {
	switch t {
	case MmapRead, MmapWrite, NullPage:
		return "filemap_fault"
	case VfsRead:
		return "vfs_read"
	case VfsWrite:
		return "vfs_write"
	case VfsReadv:
		return "vfs_readv"
	case VfsWritev:
		return "vfs_writev"
	default:
		return "unknown"
	}
}

// Direction is "read", "write" or "none" for null-page faults.
func (t EventType) Direction() string {
	switch t {
	case MmapRead, VfsRead, VfsReadv:
		return "read"
	case MmapWrite, VfsWrite, VfsWritev:
		return "write"
	case NullPage:
		return "none"
	default:
		return "unknown"
	}
}
