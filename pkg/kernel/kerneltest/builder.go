package kerneltest

import (
	"github.com/saworbit/vfsio/pkg/kernel"
	"github.com/saworbit/vfsio/pkg/wire"
)

// Struct sizes of the synthetic layout.
const (
	fileSize     = 48
	inodeSize    = 32
	superSize    = 16
	dentrySize   = 32
	mountSize    = 32
	taskSize     = 32
	fsStructSize = 24
	vmFaultSize  = 24
	vmaSize      = 16
	pageSize     = 8
	iovecSize    = 16
)

// Layout is the member layout used by every object the builder creates. It
// deliberately differs from any real kernel.
var Layout = kernel.Layout{
	FileFPath:  16,
	FileFInode: 40,

	PathMnt:    0,
	PathDentry: 8,

	InodeIMode: 0,
	InodeIIno:  8,
	InodeISb:   16,

	SuperSDev:   0,
	SuperSMagic: 8,

	DentryDParent: 8,
	DentryDName:   16,
	QstrLen:       4,
	QstrName:      8,

	VfsmountMntRoot: 0,

	MountMntParent:     0,
	MountMntMountpoint: 8,
	MountMnt:           16,

	TaskFs: 24,
	FsRoot: 8,

	VmFaultVma:   0,
	VmFaultFlags: 8,
	VmFaultPage:  16,
	VmaVmFile:    8,
	PageFlags:    0,
}

// Mount is a struct mount and its root dentry.
type Mount struct {
	Addr   kernel.Addr // struct mount
	Vfsmnt kernel.Addr // the embedded struct vfsmount
	Root   kernel.Addr // mnt_root dentry
}

// Ref returns the mount's root as a struct path value.
func (m Mount) Ref() kernel.PathRef {
	return kernel.PathRef{Mnt: m.Vfsmnt, Dentry: m.Root}
}

// At returns a struct path value for a dentry on this mount.
func (m Mount) At(dentry kernel.Addr) kernel.PathRef {
	return kernel.PathRef{Mnt: m.Vfsmnt, Dentry: dentry}
}

// Kernel builds linked kernel objects inside a Space.
type Kernel struct {
	*Space
	Layout kernel.Layout
}

// New returns an empty simulated kernel using Layout.
func New() *Kernel {
	return &Kernel{Space: NewSpace(), Layout: Layout}
}

func (k *Kernel) off(base kernel.Addr, member uint32) kernel.Addr {
	return base + kernel.Addr(member)
}

// RootMount creates a mount whose mnt_parent is itself, like the initial
// namespace root.
func (k *Kernel) RootMount() Mount {
	m := k.newMount()
	k.PutPtr(k.off(m.Addr, k.Layout.MountMntParent), m.Addr)
	return m
}

// MountAt mounts a new filesystem on mountpoint, a dentry of parent.
func (k *Kernel) MountAt(parent Mount, mountpoint kernel.Addr) Mount {
	m := k.newMount()
	k.PutPtr(k.off(m.Addr, k.Layout.MountMntParent), parent.Addr)
	k.PutPtr(k.off(m.Addr, k.Layout.MountMntMountpoint), mountpoint)
	return m
}

func (k *Kernel) newMount() Mount {
	addr := k.Alloc(mountSize)
	m := Mount{Addr: addr, Vfsmnt: k.off(addr, k.Layout.MountMnt)}
	m.Root = k.Dentry(0, "/")
	k.PutPtr(k.off(m.Vfsmnt, k.Layout.VfsmountMntRoot), m.Root)
	return m
}

// Dentry creates a dentry named name under parent. A zero parent makes the
// dentry its own parent.
func (k *Kernel) Dentry(parent kernel.Addr, name string) kernel.Addr {
	d := k.Alloc(dentrySize)
	if parent == 0 {
		parent = d
	}
	k.PutPtr(k.off(d, k.Layout.DentryDParent), parent)

	n := k.Alloc(len(name) + 1)
	k.Write(n, []byte(name))
	k.PutU32(k.off(d, k.Layout.DentryDName+k.Layout.QstrLen), uint32(len(name)))
	k.PutPtr(k.off(d, k.Layout.DentryDName+k.Layout.QstrName), n)
	return d
}

// Walk creates one dentry per component below parent and returns the last.
func (k *Kernel) Walk(parent kernel.Addr, components ...string) kernel.Addr {
	d := parent
	for _, c := range components {
		d = k.Dentry(d, c)
	}
	return d
}

// Super creates a super_block.
func (k *Kernel) Super(dev uint32, magic uint64) kernel.Addr {
	sb := k.Alloc(superSize)
	k.PutU32(k.off(sb, k.Layout.SuperSDev), dev)
	k.PutU64(k.off(sb, k.Layout.SuperSMagic), magic)
	return sb
}

// Inode creates an inode on sb.
func (k *Kernel) Inode(sb kernel.Addr, ino uint64, mode uint16) kernel.Addr {
	in := k.Alloc(inodeSize)
	k.PutU16(k.off(in, k.Layout.InodeIMode), mode)
	k.PutU64(k.off(in, k.Layout.InodeIIno), ino)
	k.PutPtr(k.off(in, k.Layout.InodeISb), sb)
	return in
}

// File creates an open struct file for path backed by inode.
func (k *Kernel) File(path kernel.PathRef, inode kernel.Addr) kernel.Addr {
	f := k.Alloc(fileSize)
	k.PutPtr(k.off(f, k.Layout.FileFPath+k.Layout.PathMnt), path.Mnt)
	k.PutPtr(k.off(f, k.Layout.FileFPath+k.Layout.PathDentry), path.Dentry)
	k.PutPtr(k.off(f, k.Layout.FileFInode), inode)
	return f
}

// Task creates a task_struct whose fs_struct root is root.
func (k *Kernel) Task(root kernel.PathRef) kernel.Addr {
	fs := k.Alloc(fsStructSize)
	k.PutPtr(k.off(fs, k.Layout.FsRoot+k.Layout.PathMnt), root.Mnt)
	k.PutPtr(k.off(fs, k.Layout.FsRoot+k.Layout.PathDentry), root.Dentry)

	t := k.Alloc(taskSize)
	k.PutPtr(k.off(t, k.Layout.TaskFs), fs)
	return t
}

// Page creates a struct page with the given compound order.
func (k *Kernel) Page(order uint64) kernel.Addr {
	p := k.Alloc(pageSize)
	k.PutU64(k.off(p, k.Layout.PageFlags), order)
	return p
}

// VmFault creates a vm_fault for file. A zero page is a fault that produced
// no page.
func (k *Kernel) VmFault(file kernel.Addr, flags uint32, page kernel.Addr) kernel.Addr {
	vma := k.Alloc(vmaSize)
	k.PutPtr(k.off(vma, k.Layout.VmaVmFile), file)

	vmf := k.Alloc(vmFaultSize)
	k.PutPtr(k.off(vmf, k.Layout.VmFaultVma), vma)
	k.PutU32(k.off(vmf, k.Layout.VmFaultFlags), flags)
	k.PutPtr(k.off(vmf, k.Layout.VmFaultPage), page)
	return vmf
}

// Iovecs writes a user-space iovec array with the given lengths.
func (k *Kernel) Iovecs(lens ...uint64) kernel.Addr {
	n := len(lens)
	if n == 0 {
		n = 1
	}
	base := k.AllocUser(n * iovecSize)
	for i, l := range lens {
		at := base + kernel.Addr(i*iovecSize)
		k.PutU64(at, uint64(at)+0x1000)
		k.PutU64(at+8, l)
	}
	return base
}

// Comm packs a command name the way the kernel stores it.
func Comm(name string) [wire.CommLen]byte {
	var c [wire.CommLen]byte
	copy(c[:wire.CommLen-1], name)
	return c
}
