package aggregator

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// Triplet is one rwx permission group.
type Triplet struct {
	Read, Write, Execute bool
}

func tripletFrom(mode, r, w, x uint32) Triplet {
	return Triplet{Read: mode&r != 0, Write: mode&w != 0, Execute: mode&x != 0}
}

// String renders the triplet as ls does, e.g. "rw-".
func (t Triplet) String() string {
	b := [3]byte{'-', '-', '-'}
	if t.Read {
		b[0] = 'r'
	}
	if t.Write {
		b[1] = 'w'
	}
	if t.Execute {
		b[2] = 'x'
	}
	return string(b[:])
}

// Permissions are the permission bits of an inode mode.
type Permissions struct {
	Owner, Group, Others Triplet

	Setuid, Setgid, Sticky bool
}

// PermissionsOf decodes the permission bits of mode.
func PermissionsOf(mode uint16) Permissions {
	m := uint32(mode)
	return Permissions{
		Owner:  tripletFrom(m, unix.S_IRUSR, unix.S_IWUSR, unix.S_IXUSR),
		Group:  tripletFrom(m, unix.S_IRGRP, unix.S_IWGRP, unix.S_IXGRP),
		Others: tripletFrom(m, unix.S_IROTH, unix.S_IWOTH, unix.S_IXOTH),
		Setuid: m&unix.S_ISUID != 0,
		Setgid: m&unix.S_ISGID != 0,
		Sticky: m&unix.S_ISVTX != 0,
	}
}

// FileTypeClass is the S_IFMT part of a mode.
func FileTypeClass(mode uint16) uint32 {
	return uint32(mode) & unix.S_IFMT
}

var fileTypeNames = map[uint32]string{
	unix.S_IFIFO:  "Fifo",
	unix.S_IFCHR:  "CharacterDevice",
	unix.S_IFBLK:  "BlockDevice",
	unix.S_IFDIR:  "Directory",
	unix.S_IFREG:  "RegularFile",
	unix.S_IFLNK:  "Symlink",
	unix.S_IFSOCK: "Socket",
	0:             "Unknown",
}

// FileTypeName names a mode class, falling back to its decimal value.
func FileTypeName(class uint32) string {
	if name, ok := fileTypeNames[class]; ok {
		return name
	}
	return strconv.FormatUint(uint64(class), 10)
}

// ModeString renders mode like the first column of ls -l.
func ModeString(mode uint16) string {
	var b [10]byte
	switch FileTypeClass(mode) {
	case unix.S_IFSOCK:
		b[0] = 's'
	case unix.S_IFLNK:
		b[0] = 'l'
	case unix.S_IFREG:
		b[0] = '-'
	case unix.S_IFBLK:
		b[0] = 'b'
	case unix.S_IFDIR:
		b[0] = 'd'
	case unix.S_IFCHR:
		b[0] = 'c'
	case unix.S_IFIFO:
		b[0] = 'p'
	default:
		b[0] = '?'
	}

	p := PermissionsOf(mode)
	copy(b[1:4], p.Owner.String())
	copy(b[4:7], p.Group.String())
	copy(b[7:10], p.Others.String())
	return string(b[:])
}
