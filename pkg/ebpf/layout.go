package ebpf

import (
	"fmt"

	"github.com/cilium/ebpf/btf"

	"github.com/saworbit/vfsio/pkg/kernel"
)

// typeFinder is the part of *btf.Spec the layout derivation needs.
type typeFinder interface {
	TypeByName(name string, typ interface{}) error
}

type fieldRef struct {
	typ    string
	member string
	dst    *uint32
}

// LayoutFromSpec derives the struct member offsets the probes read from the
// kernel's BTF. Members inside anonymous structs and unions are found by
// name as if they were direct members.
func LayoutFromSpec(spec *btf.Spec) (kernel.Layout, error) {
	return layoutFrom(spec)
}

func layoutFrom(spec typeFinder) (kernel.Layout, error) {
	var l kernel.Layout
	fields := []fieldRef{
		{"file", "f_path", &l.FileFPath},
		{"file", "f_inode", &l.FileFInode},
		{"path", "mnt", &l.PathMnt},
		{"path", "dentry", &l.PathDentry},
		{"inode", "i_mode", &l.InodeIMode},
		{"inode", "i_ino", &l.InodeIIno},
		{"inode", "i_sb", &l.InodeISb},
		{"super_block", "s_dev", &l.SuperSDev},
		{"super_block", "s_magic", &l.SuperSMagic},
		{"dentry", "d_parent", &l.DentryDParent},
		{"dentry", "d_name", &l.DentryDName},
		{"qstr", "len", &l.QstrLen},
		{"qstr", "name", &l.QstrName},
		{"vfsmount", "mnt_root", &l.VfsmountMntRoot},
		{"mount", "mnt", &l.MountMnt},
		{"mount", "mnt_parent", &l.MountMntParent},
		{"mount", "mnt_mountpoint", &l.MountMntMountpoint},
		{"task_struct", "fs", &l.TaskFs},
		{"fs_struct", "root", &l.FsRoot},
		{"vm_fault", "vma", &l.VmFaultVma},
		{"vm_fault", "flags", &l.VmFaultFlags},
		{"vm_fault", "page", &l.VmFaultPage},
		{"vm_area_struct", "vm_file", &l.VmaVmFile},
		{"page", "flags", &l.PageFlags},
	}

	structs := make(map[string]*btf.Struct)
	for _, f := range fields {
		s, ok := structs[f.typ]
		if !ok {
			if err := spec.TypeByName(f.typ, &s); err != nil {
				return kernel.Layout{}, fmt.Errorf("btf struct %s: %w", f.typ, err)
			}
			structs[f.typ] = s
		}

		off, ok := findMember(s.Members, f.member)
		if !ok {
			return kernel.Layout{}, fmt.Errorf("btf struct %s has no member %s", f.typ, f.member)
		}
		if off%8 != 0 {
			return kernel.Layout{}, fmt.Errorf("btf member %s.%s is a bitfield", f.typ, f.member)
		}
		*f.dst = off.Bytes()
	}
	return l, nil
}

func findMember(members []btf.Member, name string) (btf.Bits, bool) {
	for _, m := range members {
		if m.Name == name {
			return m.Offset, true
		}
		if m.Name != "" {
			continue
		}

		var inner []btf.Member
		switch t := btf.UnderlyingType(m.Type).(type) {
		case *btf.Struct:
			inner = t.Members
		case *btf.Union:
			inner = t.Members
		default:
			continue
		}
		if off, ok := findMember(inner, name); ok {
			return m.Offset + off, true
		}
	}
	return 0, false
}
