package kernel

// Layout holds the byte offsets of every kernel struct member the handlers
// read. It is derived from the running kernel's BTF by the loader and baked
// into the program as a load-time constant.
type Layout struct {
	FileFPath  uint32 // file.f_path
	FileFInode uint32 // file.f_inode

	PathMnt    uint32 // path.mnt
	PathDentry uint32 // path.dentry

	InodeIMode uint32 // inode.i_mode
	InodeIIno  uint32 // inode.i_ino
	InodeISb   uint32 // inode.i_sb

	SuperSDev   uint32 // super_block.s_dev
	SuperSMagic uint32 // super_block.s_magic

	DentryDParent uint32 // dentry.d_parent
	DentryDName   uint32 // dentry.d_name
	QstrLen       uint32 // qstr.len
	QstrName      uint32 // qstr.name

	VfsmountMntRoot uint32 // vfsmount.mnt_root

	MountMnt           uint32 // mount.mnt, the embedded vfsmount
	MountMntParent     uint32 // mount.mnt_parent
	MountMntMountpoint uint32 // mount.mnt_mountpoint

	TaskFs uint32 // task_struct.fs
	FsRoot uint32 // fs_struct.root

	VmFaultVma   uint32 // vm_fault.vma
	VmFaultFlags uint32 // vm_fault.flags
	VmFaultPage  uint32 // vm_fault.page
	VmaVmFile    uint32 // vm_area_struct.vm_file
	PageFlags    uint32 // page.flags
}

// struct iovec is uapi and does not need BTF.
const (
	iovecSize   = 16
	iovecLenOff = 8
)

// Fault flags from enum fault_flag.
const (
	FaultFlagWrite   = 0x01
	FaultFlagMkwrite = 0x02
)

// pageOrderMask extracts the compound order stored in the low bits of
// page.flags.
const pageOrderMask = 0x1f
