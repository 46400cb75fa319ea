package kernel

import (
	"github.com/saworbit/vfsio/pkg/wire"
)

const (
	// ExcludeSlots is the size of the self-exclusion tgid list.
	ExcludeSlots = 16

	// MaxIovecs caps how many iovec entries a vectored handler sums.
	// Entries past this are ignored.
	MaxIovecs = 31
)

// Publisher moves a finished event into the event channel. It must not block;
// a full channel reports an error and the event is lost.
type Publisher interface {
	Output(cpu uint32, ev *wire.Event) error
}

// Task is the calling context of a probe: the helpers' view of "current".
type Task struct {
	PidTgid uint64
	Comm    [wire.CommLen]byte
	Current Addr // task_struct of the calling thread
	CPU     uint32
}

// Tgid is the process identifier (upper half of pid_tgid).
func (t *Task) Tgid() uint32 { return uint32(t.PidTgid >> 32) }

// Tid is the thread identifier (lower half of pid_tgid).
func (t *Task) Tid() uint32 { return uint32(t.PidTgid) }

// Options are the load-time constants of a program instance.
type Options struct {
	// Exclude lists the tgids whose I/O is never reported. Unused slots are
	// zero.
	Exclude  [ExcludeSlots]uint32
	PageSize uint64
	Layout   Layout
}

// Program is one loaded instance of the probe handlers. Its options are
// copied at construction and never change afterwards.
type Program struct {
	opts     Options
	mem      Memory
	scratch  Scratcher
	out      Publisher
	resolver Resolver
}

// NewProgram builds the handlers over a memory capability, a per-CPU scratch
// source and the event channel.
func NewProgram(mem Memory, scratch Scratcher, out Publisher, opts Options) *Program {
	p := &Program{
		opts:    opts,
		mem:     mem,
		scratch: scratch,
		out:     out,
	}
	p.resolver = Resolver{mem: mem, layout: &p.opts.Layout}
	return p
}

// Excluded reports whether tgid is on the self-exclusion list.
func (p *Program) Excluded(tgid uint32) bool {
	for i := 0; i < ExcludeSlots; i++ {
		if p.opts.Exclude[i] == tgid {
			return true
		}
	}
	return false
}

// HandleVfsWrite is the entry probe of vfs_write(file, buf, count, pos).
func (p *Program) HandleVfsWrite(t *Task, file Addr, count uint64) error {
	return p.handleByteIO(t, wire.VfsWrite, file, count)
}

// HandleVfsRead is the entry probe of vfs_read(file, buf, count, pos).
func (p *Program) HandleVfsRead(t *Task, file Addr, count uint64) error {
	return p.handleByteIO(t, wire.VfsRead, file, count)
}

// HandleVfsReadv is the entry probe of vfs_readv(file, vec, vlen, pos, flags).
func (p *Program) HandleVfsReadv(t *Task, file, vec Addr, vlen uint64) error {
	return p.handleVectorIO(t, wire.VfsReadv, file, vec, vlen)
}

// HandleVfsWritev is the entry probe of vfs_writev(file, vec, vlen, pos, flags).
func (p *Program) HandleVfsWritev(t *Task, file, vec Addr, vlen uint64) error {
	return p.handleVectorIO(t, wire.VfsWritev, file, vec, vlen)
}

func (p *Program) handleByteIO(t *Task, typ wire.EventType, file Addr, count uint64) error {
	if p.Excluded(t.Tgid()) {
		return nil
	}

	ev := p.newEvent(t, typ)
	ev.Bytes = count
	if err := p.populateFromFile(t, &ev, file); err != nil {
		return err
	}
	return p.out.Output(t.CPU, &ev)
}

func (p *Program) handleVectorIO(t *Task, typ wire.EventType, file, vec Addr, vlen uint64) error {
	if p.Excluded(t.Tgid()) {
		return nil
	}

	total, err := p.totalIovecLen(vec, vlen)
	if err != nil {
		return err
	}

	ev := p.newEvent(t, typ)
	ev.Bytes = total
	if err := p.populateFromFile(t, &ev, file); err != nil {
		return err
	}
	return p.out.Output(t.CPU, &ev)
}

// HandleFilemapFault is the exit probe of filemap_fault(vmf).
func (p *Program) HandleFilemapFault(t *Task, vmf Addr) error {
	if p.Excluded(t.Tgid()) {
		return nil
	}
	l := &p.opts.Layout

	page, err := readPtr(p.mem, vmf+Addr(l.VmFaultPage))
	if err != nil {
		return err
	}

	typ := wire.NullPage
	var bytes uint64
	if page != 0 {
		flags, err := readU64(p.mem, page+Addr(l.PageFlags))
		if err != nil {
			return err
		}
		bytes = (uint64(1) << (flags & pageOrderMask)) * p.opts.PageSize

		faultFlags, err := readU32(p.mem, vmf+Addr(l.VmFaultFlags))
		if err != nil {
			return err
		}
		typ = wire.MmapRead
		if faultFlags&(FaultFlagWrite|FaultFlagMkwrite) != 0 {
			typ = wire.MmapWrite
		}
	}

	vma, err := readPtr(p.mem, vmf+Addr(l.VmFaultVma))
	if err != nil {
		return err
	}
	file, err := readPtr(p.mem, vma+Addr(l.VmaVmFile))
	if err != nil {
		return err
	}

	ev := p.newEvent(t, typ)
	ev.Bytes = bytes
	if err := p.populateFromFile(t, &ev, file); err != nil {
		return err
	}
	return p.out.Output(t.CPU, &ev)
}

func (p *Program) newEvent(t *Task, typ wire.EventType) wire.Event {
	var ev wire.Event
	ev.EventType = uint32(typ)
	ev.Tid = t.Tid()
	ev.Tgid = t.Tgid()
	ev.RawComm = t.Comm
	return ev
}

// totalIovecLen sums iov_len over the first MaxIovecs entries of a
// user-space iovec array. Addition wraps.
func (p *Program) totalIovecLen(vec Addr, vlen uint64) (uint64, error) {
	limit := vlen
	if limit > MaxIovecs {
		limit = MaxIovecs
	}

	var total uint64
	for i := uint64(0); i < limit; i++ {
		n, err := readUserU64(p.mem, vec+Addr(i*iovecSize+iovecLenOff))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// populateFromFile fills the identity fields and the path from a struct file.
func (p *Program) populateFromFile(t *Task, ev *wire.Event, file Addr) error {
	l := &p.opts.Layout

	inode, err := readPtr(p.mem, file+Addr(l.FileFInode))
	if err != nil {
		return err
	}
	sb, err := readPtr(p.mem, inode+Addr(l.InodeISb))
	if err != nil {
		return err
	}
	if ev.Dev, err = readU32(p.mem, sb+Addr(l.SuperSDev)); err != nil {
		return err
	}
	if ev.Inode, err = readU64(p.mem, inode+Addr(l.InodeIIno)); err != nil {
		return err
	}
	if ev.SMagic, err = readU64(p.mem, sb+Addr(l.SuperSMagic)); err != nil {
		return err
	}
	if ev.IMode, err = readU16(p.mem, inode+Addr(l.InodeIMode)); err != nil {
		return err
	}

	target, err := p.readPathRef(file + Addr(l.FileFPath))
	if err != nil {
		return err
	}
	fs, err := readPtr(p.mem, t.Current+Addr(l.TaskFs))
	if err != nil {
		return err
	}
	root, err := p.readPathRef(fs + Addr(l.FsRoot))
	if err != nil {
		return err
	}

	buf, err := p.scratch.Slot(t.CPU)
	if err != nil {
		return err
	}
	path, err := p.resolver.Resolve(buf, target, root)
	if err != nil {
		return err
	}
	ev.SetPath(path)
	return nil
}

func (p *Program) readPathRef(at Addr) (PathRef, error) {
	l := &p.opts.Layout
	mnt, err := readPtr(p.mem, at+Addr(l.PathMnt))
	if err != nil {
		return PathRef{}, err
	}
	dentry, err := readPtr(p.mem, at+Addr(l.PathDentry))
	if err != nil {
		return PathRef{}, err
	}
	return PathRef{Mnt: mnt, Dentry: dentry}, nil
}
