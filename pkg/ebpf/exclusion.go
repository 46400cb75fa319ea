package ebpf

import (
	"github.com/saworbit/vfsio/pkg/kernel"
)

// ParentLookup resolves the parent of a process.
type ParentLookup interface {
	Parent(pid int) (int, error)
}

// ExclusionList returns self followed by its ancestors, nearest first, for
// use as the probes' tgid filter. The walk stops at pid 1 or 0, on a lookup
// error, on a cycle or once every slot is used. The agent's own I/O and that
// of the supervisors that started it is never reported.
func ExclusionList(self int, parents ParentLookup) [kernel.ExcludeSlots]uint32 {
	var list [kernel.ExcludeSlots]uint32
	pid := self
	for i := 0; i < kernel.ExcludeSlots; i++ {
		if pid <= 1 {
			break
		}
		for j := 0; j < i; j++ {
			if list[j] == uint32(pid) {
				return list
			}
		}
		list[i] = uint32(pid)

		ppid, err := parents.Parent(pid)
		if err != nil {
			break
		}
		pid = ppid
	}
	return list
}
