package kernel_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saworbit/vfsio/pkg/kernel"
	"github.com/saworbit/vfsio/pkg/kernel/kerneltest"
)

func resolve(t *testing.T, k *kerneltest.Kernel, target, root kernel.PathRef) (string, error) {
	t.Helper()
	buf, err := kernel.NewArena(1).Slot(0)
	require.NoError(t, err)
	out, err := kernel.NewResolver(k.Space, &k.Layout).Resolve(buf, target, root)
	return string(out), err
}

func TestResolveSimplePath(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()
	leaf := k.Walk(rootMnt.Root, "var", "log", "app.log")

	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.Ref())
	require.NoError(t, err)
	assert.Equal(t, "/var/log/app.log", got)
}

func TestResolveRootIsEmpty(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()

	got, err := resolve(t, k, rootMnt.Ref(), rootMnt.Ref())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveCrossesMounts(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()
	mnt := k.Walk(rootMnt.Root, "mnt")
	data := k.MountAt(rootMnt, mnt)
	leaf := k.Walk(data.Root, "data", "file.txt")

	got, err := resolve(t, k, data.At(leaf), rootMnt.Ref())
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/file.txt", got)
}

func TestResolveStopsAtGlobalRootOutsideTaskRoot(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()
	leaf := k.Walk(rootMnt.Root, "etc", "hosts")
	jail := k.Walk(rootMnt.Root, "srv", "jail")

	// The file is not below the task root, so the walk runs to the top.
	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.At(jail))
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", got)
}

func TestResolveIsRelativeToTaskRoot(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()
	jail := k.Walk(rootMnt.Root, "srv", "jail")
	leaf := k.Walk(jail, "etc", "passwd")

	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.At(jail))
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", got)
}

func TestResolveDepthIsBounded(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()

	components := make([]string, 40)
	for i := range components {
		components[i] = fmt.Sprintf("d%02d", i)
	}
	leaf := k.Walk(rootMnt.Root, components...)

	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.Ref())
	require.NoError(t, err)

	want := "/" + strings.Join(components[40-kernel.MaxPathSteps:], "/")
	assert.Equal(t, want, got)
}

func TestResolveTruncatesRootwardName(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()

	// 17 components: a 255 byte outermost name, fifteen more 255 byte names
	// and a 100 byte leaf. Only 155 bytes of the outermost name fit.
	components := make([]string, 0, 17)
	for i := 0; i < 16; i++ {
		components = append(components, strings.Repeat(string(rune('a'+i)), 255))
	}
	components = append(components, strings.Repeat("z", 100))
	leaf := k.Walk(rootMnt.Root, components...)

	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.Ref())
	require.NoError(t, err)
	require.Len(t, got, kernel.MaxBufLen)

	want := strings.Repeat("a", 155) + "/" + strings.Join(components[1:], "/")
	assert.Equal(t, want, got)
}

func TestResolveFillsBufferExactly(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()

	components := make([]string, 17)
	for i := range components {
		components[i] = strings.Repeat(string(rune('a'+i)), 255)
	}
	leaf := k.Walk(rootMnt.Root, components...)

	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.Ref())
	require.NoError(t, err)
	assert.Equal(t, "/"+strings.Join(components[1:], "/"), got)
}

func TestResolveMasksNameLength(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()
	leaf := k.Walk(rootMnt.Root, "abc")
	k.PutU32(leaf+kernel.Addr(k.Layout.DentryDName+k.Layout.QstrLen), 0x100|3)

	got, err := resolve(t, k, rootMnt.At(leaf), rootMnt.Ref())
	require.NoError(t, err)
	assert.Equal(t, "/abc", got)
}

func TestResolveAbortsOnFault(t *testing.T) {
	k := kerneltest.New()
	rootMnt := k.RootMount()
	dir := k.Walk(rootMnt.Root, "var")
	leaf := k.Walk(dir, "log")
	k.Poison(dir + kernel.Addr(k.Layout.DentryDParent))

	_, err := resolve(t, k, rootMnt.At(leaf), rootMnt.Ref())
	assert.ErrorIs(t, err, kernel.ErrFault)
}

func TestArenaSlotOutOfRange(t *testing.T) {
	a := kernel.NewArena(2)
	assert.Equal(t, 2, a.CPUs())

	_, err := a.Slot(1)
	assert.NoError(t, err)
	_, err = a.Slot(2)
	assert.ErrorIs(t, err, kernel.ErrNoScratch)
}
