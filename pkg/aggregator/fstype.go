package aggregator

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// fsTypeNames maps super_block.s_magic to the filesystem name the kernel
// registers it under.
var fsTypeNames = map[uint64]string{
	unix.ANON_INODE_FS_MAGIC:   "anon_inodefs",
	unix.AUTOFS_SUPER_MAGIC:    "autofs",
	unix.BDEVFS_MAGIC:          "bdev",
	unix.BINFMTFS_MAGIC:        "binfmt_misc",
	unix.BPF_FS_MAGIC:          "bpf",
	unix.BTRFS_SUPER_MAGIC:     "btrfs",
	unix.CGROUP_SUPER_MAGIC:    "cgroup",
	unix.CGROUP2_SUPER_MAGIC:   "cgroup2",
	unix.CODA_SUPER_MAGIC:      "coda",
	unix.CRAMFS_MAGIC:          "cramfs",
	unix.DEBUGFS_MAGIC:         "debugfs",
	unix.DEVPTS_SUPER_MAGIC:    "devpts",
	unix.ECRYPTFS_SUPER_MAGIC:  "ecryptfs",
	unix.EFIVARFS_MAGIC:        "efivarfs",
	unix.EFS_SUPER_MAGIC:       "efs",
	unix.EXT4_SUPER_MAGIC:      "ext4",
	unix.F2FS_SUPER_MAGIC:      "f2fs",
	unix.FUSE_SUPER_MAGIC:      "fuse",
	unix.HOSTFS_SUPER_MAGIC:    "hostfs",
	unix.HPFS_SUPER_MAGIC:      "hpfs",
	unix.HUGETLBFS_MAGIC:       "hugetlbfs",
	unix.ISOFS_SUPER_MAGIC:     "iso9660",
	unix.JFFS2_SUPER_MAGIC:     "jffs2",
	unix.MINIX_SUPER_MAGIC:     "minix",
	unix.MSDOS_SUPER_MAGIC:     "vfat",
	unix.MTD_INODE_FS_MAGIC:    "mtd_inodefs",
	unix.NFS_SUPER_MAGIC:       "nfs",
	unix.NILFS_SUPER_MAGIC:     "nilfs2",
	unix.NSFS_MAGIC:            "nsfs",
	unix.OCFS2_SUPER_MAGIC:     "ocfs2",
	unix.OPENPROM_SUPER_MAGIC:  "openpromfs",
	unix.OVERLAYFS_SUPER_MAGIC: "overlay",
	unix.PIPEFS_MAGIC:          "pipefs",
	unix.PROC_SUPER_MAGIC:      "proc",
	unix.PSTOREFS_MAGIC:        "pstore",
	unix.QNX4_SUPER_MAGIC:      "qnx4",
	unix.RAMFS_MAGIC:           "ramfs",
	unix.REISERFS_SUPER_MAGIC:  "reiserfs",
	unix.SECURITYFS_MAGIC:      "securityfs",
	unix.SELINUX_MAGIC:         "selinuxfs",
	unix.SMACK_MAGIC:           "smackfs",
	unix.SMB_SUPER_MAGIC:       "smbfs",
	unix.SOCKFS_MAGIC:          "sockfs",
	unix.SQUASHFS_MAGIC:        "squashfs",
	unix.SYSFS_MAGIC:           "sysfs",
	unix.TMPFS_MAGIC:           "tmpfs",
	unix.TRACEFS_MAGIC:         "tracefs",
	unix.UDF_SUPER_MAGIC:       "udf",
	unix.USBDEVICE_SUPER_MAGIC: "usbdevfs",
	unix.V9FS_MAGIC:            "9p",
	unix.XENFS_SUPER_MAGIC:     "xenfs",
	unix.XFS_SUPER_MAGIC:       "xfs",

	// Not exported by x/sys.
	0x58295829: "zsmalloc",
	0xff534d42: "cifs",
	0x2fc12fc1: "zfs",
}

// FsTypeName names a filesystem magic, falling back to its decimal value.
func FsTypeName(magic uint64) string {
	if name, ok := fsTypeNames[magic]; ok {
		return name
	}
	return strconv.FormatUint(magic, 10)
}
