package ebpf

import (
	"fmt"
	"testing"

	"github.com/cilium/ebpf/btf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTypes map[string]*btf.Struct

func (f fakeTypes) TypeByName(name string, typ interface{}) error {
	s, ok := f[name]
	if !ok {
		return fmt.Errorf("type %s: %w", name, btf.ErrNotFound)
	}
	*typ.(**btf.Struct) = s
	return nil
}

var ptr = &btf.Pointer{Target: &btf.Void{}}

func member(name string, byteOff uint32) btf.Member {
	return btf.Member{Name: name, Type: ptr, Offset: btf.Bits(byteOff * 8)}
}

func flatStruct(name string, members ...btf.Member) *btf.Struct {
	return &btf.Struct{Name: name, Size: 256, Members: members}
}

func kernelTypes() fakeTypes {
	hashLen := &btf.Struct{Members: []btf.Member{
		{Name: "hash", Type: ptr, Offset: 0},
		{Name: "len", Type: ptr, Offset: 32},
	}}
	qstrUnion := &btf.Union{Members: []btf.Member{
		{Name: "", Type: hashLen, Offset: 0},
		{Name: "hash_len", Type: ptr, Offset: 0},
	}}
	vmaBlock := &btf.Struct{Members: []btf.Member{
		member("vma", 0),
		member("gfp_mask", 8),
	}}

	return fakeTypes{
		"file":        flatStruct("file", member("f_path", 16), member("f_inode", 32)),
		"path":        flatStruct("path", member("mnt", 0), member("dentry", 8)),
		"inode":       flatStruct("inode", member("i_mode", 0), member("i_sb", 40), member("i_ino", 64)),
		"super_block": flatStruct("super_block", member("s_dev", 16), member("s_magic", 96)),
		"dentry":      flatStruct("dentry", member("d_parent", 24), member("d_name", 32)),
		"qstr": &btf.Struct{Name: "qstr", Size: 16, Members: []btf.Member{
			{Name: "", Type: qstrUnion, Offset: 0},
			member("name", 8),
		}},
		"vfsmount":    flatStruct("vfsmount", member("mnt_root", 0)),
		"mount":       flatStruct("mount", member("mnt_parent", 16), member("mnt_mountpoint", 24), member("mnt", 32)),
		"task_struct": flatStruct("task_struct", member("fs", 1920)),
		"fs_struct":   flatStruct("fs_struct", member("root", 24)),
		"vm_fault": &btf.Struct{Name: "vm_fault", Size: 96, Members: []btf.Member{
			{Name: "", Type: vmaBlock, Offset: 0},
			member("flags", 40),
			member("page", 80),
		}},
		"vm_area_struct": flatStruct("vm_area_struct", member("vm_file", 160)),
		"page":           flatStruct("page", member("flags", 0)),
	}
}

func TestLayoutFromTypes(t *testing.T) {
	l, err := layoutFrom(kernelTypes())
	require.NoError(t, err)

	assert.Equal(t, uint32(16), l.FileFPath)
	assert.Equal(t, uint32(32), l.FileFInode)
	assert.Equal(t, uint32(64), l.InodeIIno)
	assert.Equal(t, uint32(96), l.SuperSMagic)
	assert.Equal(t, uint32(32), l.MountMnt)
	assert.Equal(t, uint32(1920), l.TaskFs)
	assert.Equal(t, uint32(160), l.VmaVmFile)
	assert.Equal(t, uint32(80), l.VmFaultPage)
}

func TestLayoutFindsAnonymousMembers(t *testing.T) {
	l, err := layoutFrom(kernelTypes())
	require.NoError(t, err)

	assert.Equal(t, uint32(4), l.QstrLen)
	assert.Equal(t, uint32(8), l.QstrName)
	assert.Equal(t, uint32(0), l.VmFaultVma)
}

func TestLayoutMissingType(t *testing.T) {
	types := kernelTypes()
	delete(types, "fs_struct")

	_, err := layoutFrom(types)
	require.Error(t, err)
	assert.ErrorIs(t, err, btf.ErrNotFound)
}

func TestLayoutMissingMember(t *testing.T) {
	types := kernelTypes()
	types["page"] = flatStruct("page", member("lru", 8))

	_, err := layoutFrom(types)
	assert.ErrorContains(t, err, "page has no member flags")
}

func TestLayoutRejectsBitfield(t *testing.T) {
	types := kernelTypes()
	types["page"] = &btf.Struct{Name: "page", Members: []btf.Member{
		{Name: "flags", Type: ptr, Offset: 3},
	}}

	_, err := layoutFrom(types)
	assert.ErrorContains(t, err, "bitfield")
}
