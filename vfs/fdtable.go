package vfs

import (
	"sync"

	"kcore/defs"
)

// File descriptor permission bits, mirrored from the teacher's fd
// package (biscuit/src/fd/fd.go).
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// OpenFile_t is one POSIX "open file description": the shared offset
// and access mode two fd-table slots see after dup/dup2, distinct
// from Vnode_t which is shared across every independent open() of the
// same file (spec.md's vnode is one-per-inode; an open file
// description is one-per-open-call, possibly aliased by many fds).
type OpenFile_t struct {
	mu       sync.Mutex
	Vnode    *Vnode_t
	offset   int
	flags    int // defs.O_* the file was opened with
	refcount int
}

func newOpenFile(v *Vnode_t, flags int) *OpenFile_t {
	return &OpenFile_t{Vnode: v, flags: flags, refcount: 1}
}

func (of *OpenFile_t) dup() *OpenFile_t {
	of.mu.Lock()
	of.refcount++
	of.mu.Unlock()
	return of
}

func (of *OpenFile_t) close() defs.Err_t {
	of.mu.Lock()
	of.refcount--
	r := of.refcount
	of.mu.Unlock()
	if r > 0 {
		return 0
	}
	return of.Vnode.Put()
}

// Read reads into dst from the shared offset, advancing it.
func (of *OpenFile_t) Read(dst []byte) (int, defs.Err_t) {
	of.mu.Lock()
	defer of.mu.Unlock()
	n, err := of.Vnode.Read(dst, of.offset)
	if err != 0 {
		return 0, err
	}
	of.offset += n
	return n, 0
}

// Write writes src at the shared offset (or at EOF, if opened
// O_APPEND), advancing it.
func (of *OpenFile_t) Write(src []byte) (int, defs.Err_t) {
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.flags&defs.O_APPEND != 0 {
		of.offset = of.Vnode.Size()
	}
	n, err := of.Vnode.Write(src, of.offset)
	if err != 0 {
		return 0, err
	}
	of.offset += n
	return n, 0
}

// Lseek repositions the shared offset per whence (SEEK_SET/CUR/END).
func (of *OpenFile_t) Lseek(off, whence int) (int, defs.Err_t) {
	of.mu.Lock()
	defer of.mu.Unlock()
	var base int
	switch whence {
	case defs.SEEK_SET:
		base = 0
	case defs.SEEK_CUR:
		base = of.offset
	case defs.SEEK_END:
		base = of.Vnode.Size()
	default:
		return 0, defs.EINVAL.Neg()
	}
	n := base + off
	if n < 0 {
		return 0, defs.EINVAL.Neg()
	}
	of.offset = n
	return n, 0
}

// Fd_t is one file-descriptor-table slot: a reference to a (possibly
// shared) open file description plus this slot's own permission bits
// (spec.md's Fd_t, grounded on the teacher's fd.Fd_t).
type Fd_t struct {
	Open  *OpenFile_t
	Perms int // FD_READ | FD_WRITE | FD_CLOEXEC
}

func fdPerms(flags int) int {
	switch flags & 0x3 {
	case defs.O_RDONLY:
		return FD_READ
	case defs.O_WRONLY:
		return FD_WRITE
	default:
		return FD_READ | FD_WRITE
	}
}

// FdTable_t is a process's fixed-size, NOFILE-bounded table of open
// file descriptors.
type FdTable_t struct {
	mu  sync.Mutex
	Fds []*Fd_t
}

// NewFdTable returns an empty table sized n (kconfig.Config.NOFILE).
func NewFdTable(n int) *FdTable_t {
	return &FdTable_t{Fds: make([]*Fd_t, n)}
}

// Alloc installs f in the lowest-numbered free slot.
func (t *FdTable_t) Alloc(f *Fd_t) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.Fds {
		if e == nil {
			t.Fds[i] = f
			return i, 0
		}
	}
	return -1, defs.EMFILE.Neg()
}

// Get returns the fd at fdno, or EBADF.
func (t *FdTable_t) Get(fdno int) (*Fd_t, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdno < 0 || fdno >= len(t.Fds) || t.Fds[fdno] == nil {
		return nil, defs.EBADF.Neg()
	}
	return t.Fds[fdno], 0
}

// Close releases fdno's slot and closes its open file description.
func (t *FdTable_t) Close(fdno int) defs.Err_t {
	t.mu.Lock()
	if fdno < 0 || fdno >= len(t.Fds) || t.Fds[fdno] == nil {
		t.mu.Unlock()
		return defs.EBADF.Neg()
	}
	f := t.Fds[fdno]
	t.Fds[fdno] = nil
	t.mu.Unlock()
	return f.Open.close()
}

// CloseAll closes every open slot, for process exit.
func (t *FdTable_t) CloseAll() {
	t.mu.Lock()
	fds := t.Fds
	t.Fds = make([]*Fd_t, len(fds))
	t.mu.Unlock()
	for _, f := range fds {
		if f != nil {
			f.Open.close()
		}
	}
}

// Dup duplicates oldfd into the lowest-numbered free slot.
func (t *FdTable_t) Dup(oldfd int) (int, defs.Err_t) {
	old, err := t.Get(oldfd)
	if err != 0 {
		return -1, err
	}
	nf := &Fd_t{Open: old.Open.dup(), Perms: old.Perms}
	n, err := t.Alloc(nf)
	if err != 0 {
		nf.Open.close()
		return -1, err
	}
	return n, 0
}

// Dup2 duplicates oldfd into newfd, closing whatever newfd previously
// held.
func (t *FdTable_t) Dup2(oldfd, newfd int) defs.Err_t {
	t.mu.Lock()
	if oldfd < 0 || oldfd >= len(t.Fds) || t.Fds[oldfd] == nil {
		t.mu.Unlock()
		return defs.EBADF.Neg()
	}
	if newfd < 0 || newfd >= len(t.Fds) {
		t.mu.Unlock()
		return defs.EBADF.Neg()
	}
	if oldfd == newfd {
		t.mu.Unlock()
		return 0
	}
	old := t.Fds[oldfd]
	closing := t.Fds[newfd]
	t.Fds[newfd] = &Fd_t{Open: old.Open.dup(), Perms: old.Perms}
	t.mu.Unlock()

	if closing != nil {
		closing.Open.close()
	}
	return 0
}
