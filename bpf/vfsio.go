// Compiled by TinyGo and post-processed by tinybpf; see vfsio_stub.go for the
// standard-Go placeholder.

//go:build tinygo

package main

import (
	"errors"
	"unsafe"

	"github.com/saworbit/vfsio/pkg/kernel"
	"github.com/saworbit/vfsio/pkg/wire"
)

const (
	bpfMapTypeArray       = 2
	bpfMapTypePercpuArray = 6
	bpfMapTypeRingbuf     = 27

	ringbufBytes = 1 << 23
)

type bpfMapDef struct {
	Type       uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
}

var events = bpfMapDef{
	Type:       bpfMapTypeRingbuf,
	MaxEntries: ringbufBytes,
}

var scratch = bpfMapDef{
	Type:       bpfMapTypePercpuArray,
	KeySize:    4,
	ValueSize:  kernel.ScratchSize,
	MaxEntries: 1,
}

// config holds kernel.Options. User space fills and freezes it at load.
var config = bpfMapDef{
	Type:       bpfMapTypeArray,
	KeySize:    4,
	ValueSize:  uint32(unsafe.Sizeof(kernel.Options{})),
	MaxEntries: 1,
}

var errOutput = errors.New("ringbuf output failed")

//go:extern bpf_probe_read_kernel
func bpfProbeReadKernel(dst unsafe.Pointer, size uint32, src unsafe.Pointer) int64

//go:extern bpf_probe_read_user
func bpfProbeReadUser(dst unsafe.Pointer, size uint32, src unsafe.Pointer) int64

//go:extern bpf_get_current_pid_tgid
func bpfGetCurrentPidTgid() uint64

//go:extern bpf_get_current_comm
func bpfGetCurrentComm(buf unsafe.Pointer, size uint32) int64

//go:extern bpf_get_current_task
func bpfGetCurrentTask() uint64

//go:extern bpf_get_smp_processor_id
func bpfGetSmpProcessorId() uint32

//go:extern bpf_map_lookup_elem
func bpfMapLookupElem(mapPtr unsafe.Pointer, key unsafe.Pointer) unsafe.Pointer

//go:extern bpf_ringbuf_output
func bpfRingbufOutput(mapPtr unsafe.Pointer, data unsafe.Pointer, size uint64, flags uint64) int64

type helperMemory struct{}

func (helperMemory) ReadKernel(dst []byte, src kernel.Addr) error {
	if len(dst) == 0 {
		return nil
	}
	if bpfProbeReadKernel(unsafe.Pointer(&dst[0]), uint32(len(dst)), unsafe.Pointer(uintptr(src))) != 0 {
		return kernel.ErrFault
	}
	return nil
}

func (helperMemory) ReadUser(dst []byte, src kernel.Addr) error {
	if len(dst) == 0 {
		return nil
	}
	if bpfProbeReadUser(unsafe.Pointer(&dst[0]), uint32(len(dst)), unsafe.Pointer(uintptr(src))) != 0 {
		return kernel.ErrFault
	}
	return nil
}

// perCPUScratch hands out the single entry of the per-CPU scratch map. The
// helper already resolves the current CPU's copy.
type perCPUScratch struct{}

func (perCPUScratch) Slot(uint32) (*kernel.Scratch, error) {
	var key uint32
	p := bpfMapLookupElem(unsafe.Pointer(&scratch), unsafe.Pointer(&key))
	if p == nil {
		return nil, kernel.ErrNoScratch
	}
	return (*kernel.Scratch)(p), nil
}

type ringbufOutput struct{}

func (ringbufOutput) Output(_ uint32, ev *wire.Event) error {
	if bpfRingbufOutput(unsafe.Pointer(&events), unsafe.Pointer(ev), wire.Size, 0) != 0 {
		return errOutput
	}
	return nil
}

func program() *kernel.Program {
	var key uint32
	opts := (*kernel.Options)(bpfMapLookupElem(unsafe.Pointer(&config), unsafe.Pointer(&key)))
	if opts == nil {
		return nil
	}
	return kernel.NewProgram(helperMemory{}, perCPUScratch{}, ringbufOutput{}, *opts)
}

func currentTask() kernel.Task {
	t := kernel.Task{
		PidTgid: bpfGetCurrentPidTgid(),
		Current: kernel.Addr(bpfGetCurrentTask()),
		CPU:     bpfGetSmpProcessorId(),
	}
	_ = bpfGetCurrentComm(unsafe.Pointer(&t.Comm), wire.CommLen)
	return t
}

// arg reads the i-th traced function argument from a tracing context.
func arg(ctx unsafe.Pointer, i uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(ctx) + i*8))
}

//export vfsio_vfs_read
func vfsio_vfs_read(ctx unsafe.Pointer) int32 {
	p := program()
	if p == nil {
		return 0
	}
	t := currentTask()
	_ = p.HandleVfsRead(&t, kernel.Addr(arg(ctx, 0)), arg(ctx, 2))
	return 0
}

//export vfsio_vfs_write
func vfsio_vfs_write(ctx unsafe.Pointer) int32 {
	p := program()
	if p == nil {
		return 0
	}
	t := currentTask()
	_ = p.HandleVfsWrite(&t, kernel.Addr(arg(ctx, 0)), arg(ctx, 2))
	return 0
}

//export vfsio_vfs_readv
func vfsio_vfs_readv(ctx unsafe.Pointer) int32 {
	p := program()
	if p == nil {
		return 0
	}
	t := currentTask()
	_ = p.HandleVfsReadv(&t, kernel.Addr(arg(ctx, 0)), kernel.Addr(arg(ctx, 1)), arg(ctx, 2))
	return 0
}

//export vfsio_vfs_writev
func vfsio_vfs_writev(ctx unsafe.Pointer) int32 {
	p := program()
	if p == nil {
		return 0
	}
	t := currentTask()
	_ = p.HandleVfsWritev(&t, kernel.Addr(arg(ctx, 0)), kernel.Addr(arg(ctx, 1)), arg(ctx, 2))
	return 0
}

// vfsio_filemap_fault runs on return so vmf->page is populated.
//
//export vfsio_filemap_fault
func vfsio_filemap_fault(ctx unsafe.Pointer) int32 {
	p := program()
	if p == nil {
		return 0
	}
	t := currentTask()
	_ = p.HandleFilemapFault(&t, kernel.Addr(arg(ctx, 0)))
	return 0
}

func main() {}
