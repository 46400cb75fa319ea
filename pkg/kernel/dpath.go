package kernel

const (
	// MaxPathSteps bounds the resolver walk. Each step either prepends one
	// name or crosses one mount boundary. The ceiling keeps the work done per
	// probe invocation finite, which the verifier requires; paths deeper than
	// this come back truncated at the root-ward end.
	MaxPathSteps = 32

	maxNameLen = 0xff
)

// PathRef is a (vfsmount, dentry) pair as found in struct path.
type PathRef struct {
	Mnt    Addr
	Dentry Addr
}

// Resolver rebuilds absolute paths from dentry/mount chains.
type Resolver struct {
	mem    Memory
	layout *Layout
}

// NewResolver binds a resolver to a memory capability and struct layout.
func NewResolver(mem Memory, layout *Layout) *Resolver {
	return &Resolver{mem: mem, layout: layout}
}

type resolveContext struct {
	mem    Memory
	layout *Layout

	root PathRef

	currDentry Addr
	currVfsmnt Addr
	currMount  Addr

	buf       *Scratch
	remainder uint32
	resolved  bool
}

// Resolve writes the path of target, as seen from root, into the tail of buf
// and returns the written bytes. The result is a sub-slice of buf and is only
// valid until the next resolution on the same scratch slot.
//
// Running out of steps is not an error: the partial path built so far is
// returned. Any faulting read aborts the resolution.
func (r *Resolver) Resolve(buf *Scratch, target, root PathRef) ([]byte, error) {
	rc := resolveContext{
		mem:        r.mem,
		layout:     r.layout,
		root:       root,
		currDentry: target.Dentry,
		currVfsmnt: target.Mnt,
		currMount:  target.Mnt - Addr(r.layout.MountMnt),
		buf:        buf,
		remainder:  MaxBufLen,
	}

	for i := 0; i < MaxPathSteps; i++ {
		more, err := rc.step()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}

	return buf[rc.remainder:MaxBufLen], nil
}

func (rc *resolveContext) isResolved() bool {
	return rc.resolved ||
		(rc.currVfsmnt == rc.root.Mnt && rc.currDentry == rc.root.Dentry)
}

// step advances one level. It returns false once the walk is finished.
func (rc *resolveContext) step() (bool, error) {
	if rc.isResolved() {
		rc.resolved = true
		return false, nil
	}

	l := rc.layout
	mntRoot, err := readPtr(rc.mem, rc.currVfsmnt+Addr(l.VfsmountMntRoot))
	if err != nil {
		return false, err
	}
	parentDentry, err := readPtr(rc.mem, rc.currDentry+Addr(l.DentryDParent))
	if err != nil {
		return false, err
	}

	if rc.currDentry == mntRoot || rc.currDentry == parentDentry {
		parentMount, err := readPtr(rc.mem, rc.currMount+Addr(l.MountMntParent))
		if err != nil {
			return false, err
		}
		if parentMount == rc.currMount {
			// Global root.
			rc.resolved = true
			return false, nil
		}

		mountpoint, err := readPtr(rc.mem, rc.currMount+Addr(l.MountMntMountpoint))
		if err != nil {
			return false, err
		}
		rc.currDentry = mountpoint
		rc.currMount = parentMount
		rc.currVfsmnt = parentMount + Addr(l.MountMnt)
		return true, nil
	}

	nameLen, err := readU32(rc.mem, rc.currDentry+Addr(l.DentryDName+l.QstrLen))
	if err != nil {
		return false, err
	}
	namePtr, err := readPtr(rc.mem, rc.currDentry+Addr(l.DentryDName+l.QstrName))
	if err != nil {
		return false, err
	}
	if err := rc.prependName(namePtr, nameLen); err != nil {
		return false, err
	}

	rc.currDentry = parentDentry
	return true, nil
}

// prependName writes "/name" in front of what has been built so far. When
// the name and its separator do not fit, the name is right-aligned into the
// remaining space with its leading bytes dropped and no separator.
func (rc *resolveContext) prependName(name Addr, nameLen uint32) error {
	nameLen &= maxNameLen
	writeSlash := true

	if nameLen >= rc.remainder {
		name += Addr(nameLen - rc.remainder)
		nameLen = rc.remainder
		writeSlash = false
	}

	need := nameLen
	if writeSlash {
		need++
	}

	// The mask keeps the offset provably inside the buffer. It never
	// changes the value on the paths above.
	rc.remainder = (rc.remainder - need) & (MaxBufLen - 1)
	off := rc.remainder
	if nameLen == 0 && !writeSlash {
		return nil
	}

	if writeSlash {
		rc.buf[off] = '/'
		off++
	}
	return rc.mem.ReadKernel(rc.buf[off:off+nameLen], name)
}
